package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// redactionRule replaces matches of re with repl, which may keep capture
// groups such as a field name.
type redactionRule struct {
	name string
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials in log output: provider API keys, gateway bearer
// tokens, the shared invocation secret and OAuth client secrets.
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a redactor with the default rules. Field rules run
// first so that the field name survives in the output.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			{
				name: "json_secret_field",
				re:   regexp.MustCompile(`("(?:api_key|client_secret|shared_secret|token|access_token|refresh_token|password)"\s*:\s*")[^"]*(")`),
				repl: "${1}" + redacted + "${2}",
			},
			{
				name: "form_secret_field",
				re:   regexp.MustCompile(`\b((?:client_secret|access_token|refresh_token|password)=)[^&\s"]+`),
				repl: "${1}" + redacted,
			},
			{
				name: "secret_header",
				re:   regexp.MustCompile(`(?i)(x-agentcore-secret["']?\s*[:=]\s*["']?)[^\s"',]+`),
				repl: "${1}" + redacted,
			},
			{
				name: "bearer",
				re:   regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`),
				repl: "${1}" + redacted,
			},
			{
				name: "jwt",
				re:   regexp.MustCompile(`eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`),
				repl: redacted,
			},
			{
				name: "anthropic_key",
				re:   regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{16,}`),
				repl: redacted,
			},
			{
				name: "openai_key",
				re:   regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
				repl: redacted,
			},
			{
				name: "google_key",
				re:   regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
				repl: redacted,
			},
		},
	}
}

// AddPattern adds a rule replacing every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{name: "custom", re: re, repl: redacted})
	return nil
}

// Redact applies every rule to s.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since the redacted payload may differ in
// length from what the caller handed in.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
