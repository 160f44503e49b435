// Package owners parses the repository OWNERS file, which lists who may
// approve change requests and who gets assigned as a reviewer.
package owners

import (
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// File is the parsed OWNERS file at the repository root.
type File struct {
	Approvers []string `yaml:"approvers"`
	Reviewers []string `yaml:"reviewers"`
}

// Parse decodes OWNERS file content.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing OWNERS: %w", err)
	}
	return &f, nil
}

// IsApprover reports whether login may approve change requests.
func (f *File) IsApprover(login string) bool {
	return slices.Contains(f.Approvers, login)
}

// ReviewersExcluding returns the reviewer list minus the given login, used to
// avoid requesting a review from the author.
func (f *File) ReviewersExcluding(login string) []string {
	out := make([]string, 0, len(f.Reviewers))
	for _, r := range f.Reviewers {
		if r != login {
			out = append(out, r)
		}
	}
	return out
}
