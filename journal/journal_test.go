package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/efficientgo/core/testutil"
)

func TestRecordAndRecent(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	testutil.Ok(t, err)
	defer j.Close()

	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	_, err = j.Record(Entry{Kind: KindSample, Path: "samples/IMG_20261019_100000.jpg", CapturedAt: at})
	testutil.Ok(t, err)
	_, err = j.Record(Entry{
		Kind:       KindDetection,
		Path:       "detections/2026-10-19_10_00_05.jpg",
		CapturedAt: at.Add(5 * time.Second),
		Labels:     []string{"leaf_rust", "anthracnose"},
		MessageID:  "SM42",
	})
	testutil.Ok(t, err)

	entries, err := j.Recent(10)
	testutil.Ok(t, err)
	testutil.Equals(t, 2, len(entries))

	testutil.Equals(t, KindDetection, entries[0].Kind)
	testutil.Equals(t, []string{"leaf_rust", "anthracnose"}, entries[0].Labels)
	testutil.Equals(t, "SM42", entries[0].MessageID)
	testutil.Assert(t, entries[0].CapturedAt.Equal(at.Add(5*time.Second)), "unexpected capture time %v", entries[0].CapturedAt)

	testutil.Equals(t, KindSample, entries[1].Kind)
	testutil.Equals(t, 0, len(entries[1].Labels))
}

func TestRecordReplacesSamePath(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	testutil.Ok(t, err)
	defer j.Close()

	e := Entry{Kind: KindDetection, Path: "detections/2026-10-19_10_00_00.jpg", CapturedAt: time.Now(), MessageID: "SM1"}
	_, err = j.Record(e)
	testutil.Ok(t, err)
	e.MessageID = "SM2"
	_, err = j.Record(e)
	testutil.Ok(t, err)

	entries, err := j.Recent(10)
	testutil.Ok(t, err)
	testutil.Equals(t, 1, len(entries))
	testutil.Equals(t, "SM2", entries[0].MessageID)
}
