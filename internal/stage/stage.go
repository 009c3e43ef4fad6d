// Package stage implements the three pipeline stages behind one contract.
package stage

import (
	"context"
	"sort"
	"strings"
)

// Stage names.
const (
	NameGenerate = "generate"
	NameTrain    = "train_and_report"
	NameEmail    = "email"
)

// Conf keys carried on a trigger.
const (
	KeyDatasetPath     = "datasetPath"
	KeyReportDirectory = "reportDirectory"
)

// HandoffKeys are the accepted report handoff keys in priority order.
// The latter two are legacy aliases.
var HandoffKeys = []string{KeyReportDirectory, "report_dir", "report_dir_xcom_from_dag2"}

// Trigger starts one stage. Conf is the explicit handoff channel.
type Trigger struct {
	RunID string
	Conf  map[string]string
}

// Get returns the trimmed value of key.
func (t Trigger) Get(key string) string {
	return strings.TrimSpace(t.Conf[key])
}

// Handoff returns the first non-empty report handoff value and the key it
// was found under. An empty value means the channel was not honored.
func (t Trigger) Handoff() (value, key string) {
	for _, k := range HandoffKeys {
		if v := t.Get(k); v != "" {
			return v, k
		}
	}
	return "", ""
}

// With returns a copy of t with key set to value.
func (t Trigger) With(key, value string) Trigger {
	conf := make(map[string]string, len(t.Conf)+1)
	for k, v := range t.Conf {
		conf[k] = v
	}
	conf[key] = value
	return Trigger{RunID: t.RunID, Conf: conf}
}

// Keys returns the conf keys in sorted order.
func (t Trigger) Keys() []string {
	keys := make([]string, 0, len(t.Conf))
	for k := range t.Conf {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Runner executes one stage and returns the value handed to the next stage
// under OutputKey. An empty OutputKey means the stage produces no handoff.
type Runner interface {
	Name() string
	OutputKey() string
	Execute(ctx context.Context, trig Trigger) (string, error)
}
