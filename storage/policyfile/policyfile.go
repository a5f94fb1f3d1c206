// Package policyfile loads per-exam proctoring policies from a YAML file:
//
//	default:
//	  max_violations: 5
//	  camera_required: true
//	  snapshot_interval_seconds: 30
//	exams:
//	  exam-101:
//	    max_violations: 3
//	    notify_emails: [invigilator@school.cd]
//
// Exam entries inherit every field they do not set from default.
package policyfile

import (
	"bytes"
	"io"
	"net/mail"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/proctor"
)

type file struct {
	Default *yaml.Node           `yaml:"default"`
	Exams   map[string]yaml.Node `yaml:"exams"`
}

// Load reads the policy file at path. An empty path yields the default policy for every exam.
func Load(path string) (*proctor.StaticPolicies, error) {
	if path == "" {
		return proctor.NewStaticPolicies(proctor.DefaultPolicy(), nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening policy file")
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

func Decode(r io.Reader) (*proctor.StaticPolicies, error) {
	var doc file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decoding policy file")
	}

	fallback := proctor.DefaultPolicy()
	if doc.Default != nil {
		if err := decodeStrict(doc.Default, &fallback); err != nil {
			return nil, errors.Wrap(err, "decoding default policy")
		}
		if err := validate("default", fallback); err != nil {
			return nil, err
		}
	}

	exams := make(map[string]proctor.SessionPolicy, len(doc.Exams))
	for examID, node := range doc.Exams {
		if !core.IsIdentifier(examID) {
			return nil, errors.Errorf("invalid exam id %q", examID)
		}
		pol := fallback
		pol.NotifyEmails = append([]string(nil), fallback.NotifyEmails...)
		node := node
		if err := decodeStrict(&node, &pol); err != nil {
			return nil, errors.Wrapf(err, "decoding policy of exam %s", examID)
		}
		if err := validate(examID, pol); err != nil {
			return nil, err
		}
		exams[examID] = pol
	}
	return proctor.NewStaticPolicies(fallback, exams), nil
}

// decodeStrict decodes node rejecting unknown fields, which yaml.Node.Decode does not.
func decodeStrict(node *yaml.Node, v interface{}) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(v)
}

func validate(name string, pol proctor.SessionPolicy) error {
	if pol.MaxViolations != nil && *pol.MaxViolations == 0 {
		return errors.Errorf("%s: max_violations must be positive or unset", name)
	}
	for _, addr := range pol.NotifyEmails {
		if _, err := mail.ParseAddress(addr); err != nil {
			return errors.Wrapf(err, "%s: invalid notify email %q", name, addr)
		}
	}
	return nil
}
