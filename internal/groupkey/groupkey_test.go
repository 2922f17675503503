package groupkey

import (
	"bytes"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/maren/divvy/internal/clock"
	"github.com/maren/divvy/internal/crypto"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/merge"
	"github.com/maren/divvy/internal/models"
)

func newService(t *testing.T) (*Service, *db.DB) {
	t.Helper()

	key, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	deviceID := crypto.DeviceIDFromPublicKey(crypto.MarshalSigningPublic(&key.PublicKey))

	database, err := db.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("initialize ledger: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	applier := merge.NewApplier(database, clock.New(deviceID), deviceID, logger)
	writer := merge.NewWriter(database, applier, key, deviceID)
	return NewService(database, writer, logger), database
}

func seedSelfPerson(t *testing.T, database *db.DB, uuid string) {
	t.Helper()
	err := database.WithTx(func(tx *sql.Tx) error {
		if err := db.UpsertPersonTx(tx, models.Person{UUID: uuid, Name: "me", CreatedAt: time.Now()}); err != nil {
			return err
		}
		return db.MarkPersonSelfTx(tx, uuid)
	})
	if err != nil {
		t.Fatalf("seed self person: %v", err)
	}
}

func TestCreateMintsKeyAndQueuesMutation(t *testing.T) {
	svc, database := newService(t)

	groupUUID, err := svc.Create("ski trip", []string{"p-1", "p-2"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	g, err := database.GetGroup(groupUUID)
	if err != nil {
		t.Fatal(err)
	}
	if g == nil || g.Name != "ski trip" || len(g.MemberUUIDs) != 2 {
		t.Fatalf("group = %+v", g)
	}
	key, err := database.ActiveGroupKey(groupUUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != crypto.KeyLen {
		t.Errorf("key length = %d, want %d", len(key), crypto.KeyLen)
	}
	pending, err := database.PendingMutations()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].TargetType != string(models.TargetGroup) {
		t.Errorf("pending queue = %+v", pending)
	}
}

func TestRotateKeepsOldKeyReadable(t *testing.T) {
	svc, database := newService(t)

	groupUUID, err := svc.Create("flat", nil)
	if err != nil {
		t.Fatal(err)
	}
	before, err := database.ActiveGroupKey(groupUUID)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Rotate(groupUUID); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	after, err := database.ActiveGroupKey(groupUUID)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before, after) {
		t.Error("rotation kept the same active key")
	}

	keys, err := database.GroupKeys(groupUUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("key count = %d, want 2", len(keys))
	}
	var activeCount int
	for _, k := range keys {
		if k.Active {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active keys = %d, want 1", activeCount)
	}
}

func TestRotateUnknownGroup(t *testing.T) {
	svc, _ := newService(t)
	if err := svc.Rotate("no-such-group"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("Rotate = %v, want ErrGroupNotFound", err)
	}
}

func TestForkExcludesMembersWithFreshKey(t *testing.T) {
	svc, database := newService(t)
	seedSelfPerson(t, database, "p-self")

	orig, err := svc.Create("house", []string{"p-self", "p-2", "p-3"})
	if err != nil {
		t.Fatal(err)
	}
	origKey, err := database.ActiveGroupKey(orig)
	if err != nil {
		t.Fatal(err)
	}

	forked, err := svc.Fork(orig, []string{"p-3"})
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}

	g, err := database.GetGroup(forked)
	if err != nil {
		t.Fatal(err)
	}
	if g.ForkedFrom != orig {
		t.Errorf("ForkedFrom = %q, want %q", g.ForkedFrom, orig)
	}
	want := []string{"p-self", "p-2"}
	if len(g.MemberUUIDs) != len(want) || g.MemberUUIDs[0] != want[0] || g.MemberUUIDs[1] != want[1] {
		t.Errorf("members = %v, want %v", g.MemberUUIDs, want)
	}

	forkKey, err := database.ActiveGroupKey(forked)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(origKey, forkKey) {
		t.Error("fork reused the original group's key")
	}

	// The source group is untouched.
	src, err := database.GetGroup(orig)
	if err != nil {
		t.Fatal(err)
	}
	if len(src.MemberUUIDs) != 3 {
		t.Errorf("original members = %v", src.MemberUUIDs)
	}
}

func TestForkRefusesToExcludeSelf(t *testing.T) {
	svc, database := newService(t)
	seedSelfPerson(t, database, "p-self")

	orig, err := svc.Create("house", []string{"p-self", "p-2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Fork(orig, []string{"p-self"}); !errors.Is(err, ErrCannotExcludeSelf) {
		t.Errorf("Fork = %v, want ErrCannotExcludeSelf", err)
	}
	if _, err := svc.Fork("no-such-group", nil); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("Fork = %v, want ErrGroupNotFound", err)
	}
}
