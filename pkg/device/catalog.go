package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultTreeRef = "android-12.1"

// Catalog is the YAML document shape shared by catalog files and the custom
// registration store.
type Catalog struct {
	Devices []Record `yaml:"devices"`
}

// Builtin returns the devices known without any catalog file.
func Builtin() []Record {
	return []Record{
		builtin("beryllium", "Xiaomi", "Poco F1", "sdm845", "10"),
		builtin("begonia", "Xiaomi", "Redmi Note 8 Pro", "mt6768", "10"),
		builtin("sweet", "Xiaomi", "Redmi Note 10 Pro", "sdm732g", "11"),
		builtin("lmi", "Xiaomi", "POCO F2 Pro", "sdm865", "11"),
		builtin("star2lte", "Samsung", "Galaxy S9+", "exynos9810", "10"),
		builtin("beyond2lte", "Samsung", "Galaxy S10+", "exynos9820", "11"),
		builtin("guacamole", "OnePlus", "7 Pro", "sdm855", "11"),
		builtin("hotdog", "OnePlus", "7T Pro", "sdm855+", "11"),
		builtin("sunfish", "Google", "Pixel 4a", "sdm765g", "12"),
		builtin("redfin", "Google", "Pixel 5", "sdm765g", "12"),
		builtin("bluejay", "Google", "Pixel 6a", "gs101", "13"),
		builtin("I01WD", "ASUS", "ROG Phone 3", "sdm865+", "11"),
		builtin("RMX2061", "Realme", "6 Pro", "sdm720g", "11"),
		builtin("RMX1971", "Realme", "5 Pro", "sdm712", "10"),
	}
}

func builtin(codename, manufacturer, name, soc, platform string) Record {
	rec := Record{
		Codename:        codename,
		Manufacturer:    manufacturer,
		Name:            name,
		Arch:            "arm64",
		SoC:             soc,
		PlatformVersion: platform,
	}
	rec.Tree = SourceRef{
		URL: fmt.Sprintf("https://github.com/TWRP-Team/device_%s_%s", rec.Vendor(), codename),
		Ref: defaultTreeRef,
	}
	return rec
}

// LoadCatalog reads a YAML catalog. A missing file yields an empty catalog.
func LoadCatalog(path string) ([]Record, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read device catalog %s", path)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, errors.Wrapf(err, "decode device catalog %s", path)
	}
	out := make([]Record, 0, len(catalog.Devices))
	for _, rec := range catalog.Devices {
		rec = rec.normalized()
		if err := rec.Validate(); err != nil {
			return nil, errors.Wrapf(err, "device catalog %s", path)
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveCatalog writes records to path through a temp file and rename.
func SaveCatalog(path string, records []Record) error {
	raw, err := yaml.Marshal(Catalog{Devices: records})
	if err != nil {
		return errors.Wrap(err, "encode device catalog")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create catalog dir for %s", path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".catalog-*")
	if err != nil {
		return errors.Wrap(err, "create catalog temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write catalog temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close catalog temp file")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "replace catalog %s", path)
}
