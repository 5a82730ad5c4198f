package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"

	"github.com/httprunner/RecoveryAgent/pkg/recovery"
)

// PackageInfo is the installer metadata written into a flashable zip.
type PackageInfo struct {
	Codename     string        `json:"device"`
	Manufacturer string        `json:"manufacturer,omitempty"`
	Recovery     recovery.Kind `json:"recovery_kind"`
	Version      string        `json:"version"`
	Maintainer   string        `json:"maintainer,omitempty"`
	Timestamp    string        `json:"timestamp"`
	ImageSHA256  string        `json:"image_sha256"`
	ImageSize    int64         `json:"image_size"`
	BuiltAt      time.Time     `json:"built_at"`
}

const (
	zipImageEntry   = "recovery.img"
	zipBinaryEntry  = "META-INF/com/google/android/update-binary"
	zipScriptEntry  = "META-INF/com/google/android/updater-script"
	zipManifestName = "recovery.json"
)

// WriteFlashableZip wraps image into an installer zip written to w.
func WriteFlashableZip(w io.Writer, image io.Reader, info PackageInfo) error {
	zw := zip.NewWriter(w)

	manifest, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal zip manifest")
	}
	entries := []struct {
		name   string
		mode   uint32
		method uint16
		body   func(io.Writer) error
	}{
		{zipBinaryEntry, 0o755, zip.Deflate, writeString(updateBinary(info))},
		{zipScriptEntry, 0o644, zip.Deflate, writeString(updaterScript(info))},
		{zipManifestName, 0o644, zip.Deflate, writeString(string(manifest) + "\n")},
		{zipImageEntry, 0o644, zip.Deflate, func(dst io.Writer) error {
			_, err := io.Copy(dst, image)
			return err
		}},
	}
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: e.method, Modified: info.BuiltAt}
		hdr.SetMode(os.FileMode(e.mode))
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return errors.Wrapf(err, "create zip entry %s", e.name)
		}
		if err := e.body(dst); err != nil {
			return errors.Wrapf(err, "write zip entry %s", e.name)
		}
	}
	return errors.Wrap(zw.Close(), "close zip")
}

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func updaterScript(info PackageInfo) string {
	return fmt.Sprintf(`ui_print("%s recovery for %s");
ui_print("Build %s");
package_extract_file("%s", "/dev/block/bootdevice/by-name/recovery");
ui_print("Done");
`, info.Recovery.DisplayName(), info.Codename, info.Timestamp, zipImageEntry)
}

// updateBinary flashes recovery.img to the recovery partition, or to the
// active boot slot on A/B devices without one.
func updateBinary(info PackageInfo) string {
	return fmt.Sprintf(`#!/sbin/sh
OUTFD="/proc/self/fd/$2"
ZIPFILE="$3"

ui_print() {
  echo "ui_print $1" >> "$OUTFD"
  echo "ui_print" >> "$OUTFD"
}

ui_print "Installing %s recovery for %s (%s)"
DEVICE="$(getprop ro.product.device)"
if [ -n "$DEVICE" ] && [ "$DEVICE" != "%s" ]; then
  ui_print "This package is for %s, this device is $DEVICE"
  exit 1
fi

TARGET=/dev/block/bootdevice/by-name/recovery
if [ ! -e "$TARGET" ]; then
  SLOT="$(getprop ro.boot.slot_suffix)"
  TARGET="/dev/block/bootdevice/by-name/boot$SLOT"
fi

unzip -p "$ZIPFILE" %s > "$TARGET" || exit 1
ui_print "Done"
exit 0
`, info.Recovery.DisplayName(), info.Codename, info.Timestamp, info.Codename, info.Codename, zipImageEntry)
}
