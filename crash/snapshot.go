package crash

import (
	"fmt"
	"time"

	"github.com/itsneelabh/rumagent/core"
)

// Metadata keys written with every snapshot
const (
	MetaSessionID         = core.AttrSessionID
	MetaSessionPreviousID = core.AttrSessionPreviousID
	MetaUserID            = core.AttrUserID
	MetaScreenName        = core.AttrScreenName
	MetaTimestamp         = "timestamp"
)

// Snapshot is the context written to the crash reporter.
type Snapshot struct {
	SessionID         string
	PreviousSessionID string
	UserID            string
	ScreenName        string
	CapturedAt        time.Time
}

// Metadata encodes s for Reporter.SetMetadata. Empty fields are omitted.
func (s Snapshot) Metadata() map[string]string {
	md := map[string]string{
		MetaTimestamp: s.CapturedAt.UTC().Format(time.RFC3339Nano),
	}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set(MetaSessionID, s.SessionID)
	set(MetaSessionPreviousID, s.PreviousSessionID)
	set(MetaUserID, s.UserID)
	set(MetaScreenName, s.ScreenName)
	return md
}

// ParseSnapshot decodes report metadata. It fails with
// core.ErrCrashMetadataCorrupt unless there is a session id and a valid
// RFC 3339 timestamp.
func ParseSnapshot(md map[string]string) (Snapshot, error) {
	if md == nil {
		return Snapshot{}, fmt.Errorf("%w: no metadata", core.ErrCrashMetadataCorrupt)
	}
	sessionID := md[MetaSessionID]
	if sessionID == "" {
		return Snapshot{}, fmt.Errorf("%w: missing %s", core.ErrCrashMetadataCorrupt, MetaSessionID)
	}
	ts, err := time.Parse(time.RFC3339Nano, md[MetaTimestamp])
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: bad timestamp: %v", core.ErrCrashMetadataCorrupt, err)
	}
	return Snapshot{
		SessionID:         sessionID,
		PreviousSessionID: md[MetaSessionPreviousID],
		UserID:            md[MetaUserID],
		ScreenName:        md[MetaScreenName],
		CapturedAt:        ts,
	}, nil
}
