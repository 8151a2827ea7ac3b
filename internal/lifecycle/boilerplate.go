package lifecycle

import "strings"

// signaturePlaceholder is substituted with the question template's
// function signature when seeding a session's document.
const signaturePlaceholder = "{{signature}}"

// boilerplates maps a programming language to its default snippet. A
// language missing here cannot seed a document and fails session
// creation as invalid parameters.
var boilerplates = map[string]string{
	"python": "{{signature}}\n    # Write your solution here\n    pass\n",
	"javascript": "{{signature}} {\n  // Write your solution here\n}\n",
	"java": "class Solution {\n    {{signature}} {\n        // Write your solution here\n    }\n}\n",
	"cpp": "{{signature}} {\n    // Write your solution here\n}\n",
	"go": "{{signature}} {\n\t// Write your solution here\n}\n",
}

// seedContent assembles the initial document text from the template's
// supporting definitions and the language boilerplate with the signature
// substituted in.
func seedContent(definitions, signature, language string) (string, bool) {
	boilerplate, ok := boilerplates[strings.ToLower(language)]
	if !ok {
		return "", false
	}
	body := strings.ReplaceAll(boilerplate, signaturePlaceholder, signature)
	if definitions == "" {
		return body, true
	}
	return definitions + "\n\n" + body, true
}
