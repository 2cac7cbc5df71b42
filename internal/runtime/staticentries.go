package runtime

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/matchtable/switchcore/pkg/matchtable"
)

// staticEntriesFile is the YAML shape of the file config.StaticEntries
// watches: a flat list of pre-provisioned entries to install into direct
// tables, re-applied in full every time the file changes on disk.
type staticEntriesFile struct {
	Entries []staticEntrySpec `yaml:"entries"`
}

type staticEntrySpec struct {
	Table      string           `yaml:"table"`
	Priority   int              `yaml:"priority"`
	TimeoutMS  uint32           `yaml:"timeout_ms"`
	ActionName string           `yaml:"action_name"`
	ActionData string           `yaml:"action_data"` // hex
	Params     []staticParamSpec `yaml:"params"`
}

type staticParamSpec struct {
	Kind      string `yaml:"kind"` // exact, lpm, ternary, range
	Value     string `yaml:"value,omitempty"`
	PrefixLen int    `yaml:"prefix_len,omitempty"`
	Mask      string `yaml:"mask,omitempty"`
	Lo        string `yaml:"lo,omitempty"`
	Hi        string `yaml:"hi,omitempty"`
}

func (p staticParamSpec) toParam() (matchtable.MatchKeyParam, error) {
	switch p.Kind {
	case "exact":
		return matchtable.MatchKeyParam{Kind: matchtable.FieldExact, Value: mustHex(p.Value)}, nil
	case "lpm":
		return matchtable.MatchKeyParam{Kind: matchtable.FieldLPM, Value: mustHex(p.Value), PrefixLen: p.PrefixLen}, nil
	case "ternary":
		return matchtable.MatchKeyParam{Kind: matchtable.FieldTernary, Value: mustHex(p.Value), Mask: mustHex(p.Mask)}, nil
	case "range":
		return matchtable.MatchKeyParam{Kind: matchtable.FieldRange, Lo: mustHex(p.Lo), Hi: mustHex(p.Hi)}, nil
	default:
		return matchtable.MatchKeyParam{}, fmt.Errorf("static entries: unknown param kind %q", p.Kind)
	}
}

func mustHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// reloadStaticEntries re-reads path and replaces every named direct
// table's entry set with the file's current contents: ResetState first
// (clearing whatever the previous version installed), then re-adding
// every entry, so a file edit's deletions take effect as well as its
// additions.
func (r *Runtime) reloadStaticEntries(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		r.log.WithError(err).Warn("static entries: read failed")
		return
	}
	var file staticEntriesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		r.log.WithError(err).Warn("static entries: parse failed")
		return
	}

	touched := map[string]bool{}
	for _, e := range file.Entries {
		t, ok := r.registry.Direct[e.Table]
		if !ok {
			r.log.WithField("table", e.Table).Warn("static entries: unknown direct table")
			continue
		}
		if !touched[e.Table] {
			t.ResetState()
			touched[e.Table] = true
		}

		fn, ok := r.registry.Actions.ActionByName(e.ActionName)
		if !ok {
			r.log.WithField("action", e.ActionName).Warn("static entries: unknown action")
			continue
		}
		params := make([]matchtable.MatchKeyParam, len(e.Params))
		bad := false
		for i, p := range e.Params {
			mp, err := p.toParam()
			if err != nil {
				r.log.WithError(err).Warn("static entries: bad param")
				bad = true
				break
			}
			params[i] = mp
		}
		if bad {
			continue
		}

		key := matchtable.MatchKey{Params: params, Priority: e.Priority}
		action := matchtable.ActionEntry{ActionFn: fn, ActionData: matchtable.ActionData(mustHex(e.ActionData))}
		if _, ec := t.AddEntry(key, action, e.TimeoutMS); !ec.OK() {
			r.log.WithField("table", e.Table).WithField("result", ec.String()).Warn("static entries: add failed")
		}
	}
	r.log.WithField("path", path).Info("static entries: reloaded")
}
