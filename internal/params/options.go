package params

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultModel = "nova-2-general"

	MinUtteranceEndMs = 1000
	MaxUtteranceEndMs = 5000

	keyModel          = "model"
	keyLanguage       = "language"
	keyEndpointing    = "endpointing"
	keyInterimResults = "interim_results"
	keyUtteranceEndMs = "utterance_end_ms"
	keyNoDelay        = "no_delay"
	keySmartFormat    = "smart_format"
	keyDiarize        = "diarize"
	keyFileID         = "fileId"
)

// Options is the effective configuration of one relay session. Zero values
// mean "absent": they are omitted from the upstream query.
type Options struct {
	Model          string
	Language       string
	Endpointing    string
	InterimResults bool
	UtteranceEndMs int
	NoDelay        bool
	SmartFormat    bool
	Diarize        bool
	FileID         string
	Extra          map[string]string
}

func Resolve(values map[string]string, defaultModel string) Options {
	if defaultModel == "" {
		defaultModel = DefaultModel
	}

	opts := Options{
		Model:          strings.TrimSpace(values[keyModel]),
		Language:       values[keyLanguage],
		Endpointing:    parseEndpointing(values[keyEndpointing]),
		InterimResults: parseBool(values[keyInterimResults]),
		NoDelay:        parseBool(values[keyNoDelay]),
		SmartFormat:    parseBool(values[keySmartFormat]),
		Diarize:        parseBool(values[keyDiarize]),
		FileID:         values[keyFileID],
		Extra:          make(map[string]string),
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.InterimResults {
		opts.UtteranceEndMs = ClampUtteranceEnd(values[keyUtteranceEndMs])
	}

	for k, v := range values {
		switch k {
		case keyModel, keyLanguage, keyEndpointing, keyInterimResults, keyUtteranceEndMs,
			keyNoDelay, keySmartFormat, keyDiarize, keyFileID, nestedKey:
			continue
		}
		opts.Extra[k] = v
	}

	return opts
}

// ClampUtteranceEnd returns 0 for an empty or non-numeric value, otherwise the
// value limited to [MinUtteranceEndMs, MaxUtteranceEndMs].
func ClampUtteranceEnd(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return max(MinUtteranceEndMs, min(ms, MaxUtteranceEndMs))
}

func (o Options) FileMode() bool {
	return o.FileID != ""
}

// Query builds the upstream recognition query. The file token never leaves
// the process.
func (o Options) Query() url.Values {
	q := url.Values{}
	for k, v := range o.Extra {
		q.Set(k, v)
	}

	q.Set(keyModel, o.Model)
	if o.Language != "" {
		q.Set(keyLanguage, o.Language)
	}
	if o.Endpointing != "" {
		q.Set(keyEndpointing, o.Endpointing)
	}
	q.Set(keyInterimResults, strconv.FormatBool(o.InterimResults))
	if o.InterimResults && o.UtteranceEndMs > 0 {
		q.Set(keyUtteranceEndMs, strconv.Itoa(o.UtteranceEndMs))
	}
	if o.NoDelay {
		q.Set(keyNoDelay, "true")
	}
	if o.SmartFormat {
		q.Set(keySmartFormat, "true")
	}
	if o.Diarize {
		q.Set(keyDiarize, "true")
	}
	return q
}

func parseBool(raw string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && b
}

func parseEndpointing(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.EqualFold(raw, "false") {
		return "false"
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return ""
	}
	return strconv.Itoa(ms)
}
