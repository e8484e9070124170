package sync

import (
	"os"
	"strings"
	"time"

	"github.com/sds-orderproc/orderproc/pkg/orderrors"
)

// naiveUTCLayout has no offset suffix — the ERP rejects timestamps that
// carry one, per spec §4.2/§6.
const naiveUTCLayout = "2006-01-02 15:04:05"

// ReadWatermark reads the persisted sync watermark from path. A missing
// file is reported via ok=false, not an error: the caller treats that as
// "perform a full sync and treat this run as the baseline".
func ReadWatermark(path string) (watermark time.Time, ok bool, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, orderrors.FailedToWithDetails("read watermark", "sync", path, readErr)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return time.Time{}, false, nil
	}
	t, parseErr := time.Parse(naiveUTCLayout, text)
	if parseErr != nil {
		return time.Time{}, false, orderrors.FailedToWithDetails("parse watermark", "sync", path, parseErr)
	}
	return t, true, nil
}

// WriteWatermark atomically persists watermark as a naive-UTC timestamp
// string (write-to-temp, then rename), invoked only after both the
// snapshot file write and the in-memory swap have succeeded.
func WriteWatermark(path string, watermark time.Time) error {
	tmp := path + ".tmp"
	content := watermark.UTC().Format(naiveUTCLayout)
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return orderrors.FailedToWithDetails("write watermark temp file", "sync", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return orderrors.FailedToWithDetails("rename watermark into place", "sync", path, err)
	}
	return nil
}

// FormatNaiveUTC renders t the way ERP timestamp predicates require:
// UTC, no offset suffix.
func FormatNaiveUTC(t time.Time) string {
	return t.UTC().Format(naiveUTCLayout)
}
