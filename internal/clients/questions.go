package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var ErrTemplateUnavailable = errors.New("question template unavailable")

// Template is the seed material for a session's shared document: the
// function signature for the chosen language and any supporting
// definitions.
type Template struct {
	Signature   string `json:"signature"`
	Definitions string `json:"definitions"`
}

// QuestionsClient talks to the question-bank service.
type QuestionsClient struct {
	baseURL string
	http    *http.Client
}

func NewQuestionsClient(baseURL string) *QuestionsClient {
	return &QuestionsClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Template fetches the function template for a question in a language.
// A template without a signature is unusable and reported as unavailable.
func (c *QuestionsClient) Template(ctx context.Context, questionID, language string) (*Template, error) {
	endpoint := fmt.Sprintf("%s/questions/%s/template?lang=%s",
		c.baseURL, url.PathEscape(questionID), url.QueryEscape(language))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: questions service returned %d for %s",
			ErrTemplateUnavailable, resp.StatusCode, questionID)
	}
	var tmpl Template
	if err := json.NewDecoder(resp.Body).Decode(&tmpl); err != nil {
		return nil, fmt.Errorf("failed to decode question template: %w", err)
	}
	if tmpl.Signature == "" {
		return nil, fmt.Errorf("%w: template for %s has no signature", ErrTemplateUnavailable, questionID)
	}
	return &tmpl, nil
}
