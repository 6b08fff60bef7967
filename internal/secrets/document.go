package secrets

import (
	"fmt"
	"strings"
)

// Variable is one campaign-scoped key/value pair rendered into the
// secrets document after the fixed entries.
type Variable struct {
	Key   string
	Value string
}

// DocumentParams carries everything the secrets document needs. The
// keypair fields come from GenerateKeyPair; the rest describes how the
// guest reaches back to the orchestrator host.
type DocumentParams struct {
	Repository string
	SSHPort    int
	SSHHost    string
	SSHUser    string
	PublicKey  string
	PrivateKey string
	Variables  []Variable
}

// Reserved document keys. Campaign variables may not shadow these.
var reservedKeys = map[string]bool{
	"REPOSITORY":      true,
	"SSH_PORT":        true,
	"SSH_HOST":        true,
	"SSH_USER":        true,
	"SSH_PUBLIC_KEY":  true,
	"SSH_PRIVATE_KEY": true,
}

// RenderDocument renders the guest secrets document: newline-separated
// KEY="VALUE" entries, fixed keys first, then the campaign variables in
// the order given. Duplicate or reserved campaign keys are rejected so
// the document never carries two definitions of the same key.
func RenderDocument(p DocumentParams) (string, error) {
	if p.Repository == "" {
		return "", fmt.Errorf("repository is required")
	}
	if p.PublicKey == "" || p.PrivateKey == "" {
		return "", fmt.Errorf("keypair is required")
	}

	var b strings.Builder
	writeEntry(&b, "REPOSITORY", p.Repository)
	writeEntry(&b, "SSH_PORT", fmt.Sprintf("%d", p.SSHPort))
	writeEntry(&b, "SSH_HOST", p.SSHHost)
	writeEntry(&b, "SSH_USER", p.SSHUser)
	writeEntry(&b, "SSH_PUBLIC_KEY", strings.TrimRight(p.PublicKey, "\n"))
	writeEntry(&b, "SSH_PRIVATE_KEY", strings.TrimRight(p.PrivateKey, "\n"))

	seen := make(map[string]bool)
	for _, v := range p.Variables {
		if reservedKeys[v.Key] {
			return "", fmt.Errorf("variable %q shadows a reserved key", v.Key)
		}
		if seen[v.Key] {
			return "", fmt.Errorf("duplicate variable %q", v.Key)
		}
		seen[v.Key] = true
		writeEntry(&b, v.Key, v.Value)
	}

	return b.String(), nil
}

// writeEntry emits one KEY="VALUE" line. Double quotes and backslashes
// in the value are escaped so a value can never terminate its own
// quoting and smuggle additional entries into the document.
func writeEntry(b *strings.Builder, key, value string) {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	fmt.Fprintf(b, "%s=\"%s\"\n", key, escaped)
}
