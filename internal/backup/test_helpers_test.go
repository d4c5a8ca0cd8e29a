package backup

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustLogicalID(t *testing.T, value string) LogicalID {
	t.Helper()
	id, err := NewLogicalID(value)
	if err != nil {
		t.Fatalf("unexpected logical id error: %v", err)
	}
	return id
}

func mustDeviceID(t *testing.T, value string) DeviceID {
	t.Helper()
	id, err := NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func mustTimestamp(t *testing.T, value int64) UnixTimestamp {
	t.Helper()
	ts, err := NewUnixTimestamp(value)
	if err != nil {
		t.Fatalf("unexpected timestamp error: %v", err)
	}
	return ts
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:backup_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&EncryptedBackup{}, &SyncConflict{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	generator := &staticIDGenerator{ids: ids}
	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct backup service: %v", err)
	}

	return service, db
}

func incomingFor(t *testing.T, logicalID, deviceID string, updatedAt int64, content string) IncomingBackup {
	t.Helper()
	return IncomingBackup{
		LogicalID:        mustLogicalID(t, logicalID),
		DeviceID:         mustDeviceID(t, deviceID),
		EncryptedContent: []byte(content),
		ContentIV:        "iv-" + deviceID,
		CreatedAtSeconds: mustTimestamp(t, updatedAt),
		UpdatedAtSeconds: mustTimestamp(t, updatedAt),
	}
}
