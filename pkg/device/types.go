package device

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Lookup for unknown codenames.
	ErrNotFound = errors.New("device not found")
	// ErrDuplicateCodename is returned by Register when the codename is taken.
	ErrDuplicateCodename = errors.New("duplicate device codename")
	// ErrInvalidSource is returned by Register for malformed repository locators.
	ErrInvalidSource = errors.New("invalid device source")
)

var (
	codenamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	scpLikePattern  = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[A-Za-z0-9._~/-]+$`)
	refPattern      = regexp.MustCompile(`^[A-Za-z0-9._/+-]*$`)
)

// SourceRef locates a repository and the branch, tag or commit to use.
type SourceRef struct {
	URL string `yaml:"url" json:"url"`
	Ref string `yaml:"ref,omitempty" json:"ref,omitempty"`
}

// IsZero reports whether no locator is set.
func (s SourceRef) IsZero() bool {
	return strings.TrimSpace(s.URL) == ""
}

// Validate checks the locator syntax only; nothing is fetched.
func (s SourceRef) Validate() error {
	raw := strings.TrimSpace(s.URL)
	if raw == "" {
		return errors.Wrap(ErrInvalidSource, "empty repository url")
	}
	if !refPattern.MatchString(s.Ref) || strings.Contains(s.Ref, "..") {
		return errors.Wrapf(ErrInvalidSource, "invalid ref %q", s.Ref)
	}
	if scpLikePattern.MatchString(raw) {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(ErrInvalidSource, "parse %q: %v", raw, err)
	}
	switch u.Scheme {
	case "https", "http", "ssh", "git":
	default:
		return errors.Wrapf(ErrInvalidSource, "unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return errors.Wrapf(ErrInvalidSource, "missing host in %q", raw)
	}
	if strings.Trim(u.Path, "/") == "" {
		return errors.Wrapf(ErrInvalidSource, "missing repository path in %q", raw)
	}
	return nil
}

// Record describes one buildable device. Records are values and are never
// mutated after registration.
type Record struct {
	Codename        string    `yaml:"codename" json:"codename"`
	Manufacturer    string    `yaml:"manufacturer" json:"manufacturer"`
	Name            string    `yaml:"name" json:"name"`
	Arch            string    `yaml:"arch" json:"arch"`
	SoC             string    `yaml:"soc" json:"soc"`
	PlatformVersion string    `yaml:"platform_version" json:"platform_version"`
	Tree            SourceRef `yaml:"tree" json:"tree"`
	Kernel          SourceRef `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	Custom          bool      `yaml:"-" json:"custom"`
}

// Vendor is the lowercase manufacturer used in source paths.
func (r Record) Vendor() string {
	vendor := strings.ToLower(strings.TrimSpace(r.Manufacturer))
	vendor = strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			return c
		default:
			return -1
		}
	}, vendor)
	if vendor == "" {
		return "unknown"
	}
	return vendor
}

// HasKernel reports whether a separate kernel tree is declared.
func (r Record) HasKernel() bool {
	return !r.Kernel.IsZero()
}

// Validate checks the identity fields and every declared source locator.
func (r Record) Validate() error {
	if !codenamePattern.MatchString(r.Codename) {
		return errors.Wrapf(ErrInvalidSource, "invalid codename %q", r.Codename)
	}
	if err := r.Tree.Validate(); err != nil {
		return errors.Wrapf(err, "device %s tree", r.Codename)
	}
	if r.HasKernel() {
		if err := r.Kernel.Validate(); err != nil {
			return errors.Wrapf(err, "device %s kernel", r.Codename)
		}
	}
	return nil
}

func (r Record) normalized() Record {
	r.Codename = strings.TrimSpace(r.Codename)
	r.Manufacturer = strings.TrimSpace(r.Manufacturer)
	r.Name = strings.TrimSpace(r.Name)
	r.Arch = strings.TrimSpace(r.Arch)
	r.SoC = strings.TrimSpace(r.SoC)
	r.PlatformVersion = strings.TrimSpace(r.PlatformVersion)
	r.Tree.URL = strings.TrimSpace(r.Tree.URL)
	r.Tree.Ref = strings.TrimSpace(r.Tree.Ref)
	r.Kernel.URL = strings.TrimSpace(r.Kernel.URL)
	r.Kernel.Ref = strings.TrimSpace(r.Kernel.Ref)
	if r.Arch == "" {
		r.Arch = "arm64"
	}
	return r
}
