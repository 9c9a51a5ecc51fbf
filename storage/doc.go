// Package storage provides the blob collaborator behind {storage.*} template
// references and final-output archival. Paths are forward-slash relative keys
// like "prompts/style.md" or "runs/<id>/outputs.json".
package storage
