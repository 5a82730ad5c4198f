package sources

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Manifest is a repo local manifest (roomservice.xml).
type Manifest struct {
	XMLName  xml.Name  `xml:"manifest"`
	Remotes  []Remote  `xml:"remote"`
	Projects []Project `xml:"project"`
}

type Remote struct {
	Name  string `xml:"name,attr"`
	Fetch string `xml:"fetch,attr"`
}

type Project struct {
	Path     string `xml:"path,attr"`
	Name     string `xml:"name,attr"`
	Remote   string `xml:"remote,attr"`
	Revision string `xml:"revision,attr"`
	Upstream string `xml:"upstream,attr,omitempty"`
}

// RoomserviceFileName is roomservice_{codename}.xml.
func RoomserviceFileName(codename string) string {
	return "roomservice_" + codename + ".xml"
}

// buildManifest records the device side trees of set. Revisions pin the
// exact commits; upstream keeps the branch they were resolved from.
func buildManifest(codename, vendor string, set SourceSet) Manifest {
	var m Manifest
	byFetch := map[string]string{}
	used := map[string]bool{}
	add := func(t *Tree, path string) {
		if t == nil {
			return
		}
		fetch, name := splitLocator(t.URL)
		remote, ok := byFetch[fetch]
		if !ok {
			remote = remoteName(fetch)
			for i := 2; used[remote]; i++ {
				remote = fmt.Sprintf("%s%d", remoteName(fetch), i)
			}
			used[remote] = true
			byFetch[fetch] = remote
			m.Remotes = append(m.Remotes, Remote{Name: remote, Fetch: fetch})
		}
		m.Projects = append(m.Projects, Project{
			Path:     path,
			Name:     name,
			Remote:   remote,
			Revision: t.Revision,
			Upstream: t.Ref,
		})
	}
	add(set.Device, fmt.Sprintf("device/%s/%s", vendor, codename))
	add(set.Kernel, fmt.Sprintf("kernel/%s/%s", vendor, codename))
	return m
}

func encodeManifest(codename string, set SourceSet, m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	comment := fmt.Sprintf(" roomservice for %s", codename)
	if set.Recovery != nil {
		comment += fmt.Sprintf(", recovery manifest %s@%s", set.Recovery.URL, set.Recovery.Ref)
	}
	buf.WriteString("<!--" + strings.ReplaceAll(comment, "--", "-") + " -->\n")
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// writeRoomservice replaces the fragment when its content changed. It
// reports whether the file was written.
func writeRoomservice(dir, codename string, data []byte) (bool, error) {
	path := filepath.Join(dir, RoomserviceFileName(codename))
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, errors.Wrap(err, "create roomservice dir")
	}
	tmp, err := os.CreateTemp(dir, ".roomservice-*.tmp")
	if err != nil {
		return false, errors.Wrap(err, "create roomservice temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, errors.Wrap(err, "write roomservice")
	}
	if err := tmp.Close(); err != nil {
		return false, errors.Wrap(err, "close roomservice")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, errors.Wrap(err, "install roomservice")
	}
	return true, nil
}

// LoadRoomservice reads the fragment written for codename.
func LoadRoomservice(dir, codename string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, RoomserviceFileName(codename)))
	if err != nil {
		return nil, errors.Wrap(err, "read roomservice")
	}
	var m Manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parse roomservice")
	}
	return &m, nil
}

// Locator returns the repository URL a project resolves to.
func (m *Manifest) Locator(p Project) string {
	for _, r := range m.Remotes {
		if r.Name == p.Remote {
			return r.Fetch + p.Name
		}
	}
	return p.Name
}

// splitLocator cuts a repository URL into a repo remote fetch base and a
// project name.
func splitLocator(raw string) (fetch, name string) {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		base := *u
		base.Path = "/"
		base.RawQuery = ""
		base.Fragment = ""
		return base.String(), strings.TrimPrefix(u.Path, "/")
	}
	// scp-like git@host:owner/repo
	if i := strings.Index(raw, ":"); i > 0 {
		return raw[:i+1], raw[i+1:]
	}
	return "", raw
}

func remoteName(fetch string) string {
	host := fetch
	if u, err := url.Parse(fetch); err == nil && u.Host != "" {
		host = u.Hostname()
	} else {
		host = strings.TrimSuffix(host, ":")
		if i := strings.LastIndex(host, "@"); i >= 0 {
			host = host[i+1:]
		}
	}
	if host == "" {
		return "origin"
	}
	if i := strings.Index(host, "."); i > 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}
