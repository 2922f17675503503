// Package groupkey manages the symmetric keys that scope shared content to
// sharing groups. Keys never travel through the mutation log; they reach
// other devices only inside per-recipient key envelopes built at publish
// time. Superseded keys are kept so content encrypted under them stays
// readable.
package groupkey

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/maren/divvy/internal/crypto"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/merge"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

var (
	// ErrGroupNotFound is returned when the named group does not exist or
	// has been removed.
	ErrGroupNotFound = errors.New("group not found")
	// ErrCannotExcludeSelf is returned when a fork tries to exclude the
	// person running it.
	ErrCannotExcludeSelf = errors.New("cannot exclude yourself from a fork")
)

// Service creates groups and manages their key lifecycle.
type Service struct {
	db     *db.DB
	writer *merge.Writer
	logger *slog.Logger
}

func NewService(database *db.DB, writer *merge.Writer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: database, writer: writer, logger: logger}
}

// Create authors a new group and mints its first key. Returns the group
// uuid.
func (s *Service) Create(name string, memberUUIDs []string) (string, error) {
	groupUUID := uuid.NewString()
	_, _, err := s.writer.Append(models.TargetGroup, groupUUID, models.VerbCreate, &mutation.GroupCreate{
		Name:        name,
		MemberUUIDs: memberUUIDs,
	})
	if err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	if err := s.mintKey(groupUUID); err != nil {
		return "", err
	}
	s.logger.Info("created group", "group", groupUUID, "name", name, "members", len(memberUUIDs))
	return groupUUID, nil
}

// Rotate replaces the group's active key. The old key stays installed so
// content encrypted under it remains readable; the new key reaches peers
// in the envelopes of the next publish.
func (s *Service) Rotate(groupUUID string) error {
	if err := s.requireGroup(groupUUID); err != nil {
		return err
	}
	if err := s.mintKey(groupUUID); err != nil {
		return err
	}
	s.logger.Info("rotated group key", "group", groupUUID)
	return nil
}

// Fork creates a new group from an existing one, minus the excluded
// persons, with a fresh key the excluded persons never receive. The
// original group is left untouched. Returns the new group's uuid.
func (s *Service) Fork(groupUUID string, excludePersonUUIDs []string) (string, error) {
	g, err := s.db.GetGroup(groupUUID)
	if err != nil {
		return "", err
	}
	if g == nil || g.RemovedAt != nil {
		return "", fmt.Errorf("fork %s: %w", groupUUID, ErrGroupNotFound)
	}

	self, err := s.db.SelfPerson()
	if err != nil {
		return "", err
	}
	if self != nil && slices.Contains(excludePersonUUIDs, self.UUID) {
		return "", ErrCannotExcludeSelf
	}

	var members []string
	for _, m := range g.MemberUUIDs {
		if !slices.Contains(excludePersonUUIDs, m) {
			members = append(members, m)
		}
	}

	newUUID := uuid.NewString()
	_, _, err = s.writer.Append(models.TargetGroup, newUUID, models.VerbCreate, &mutation.GroupCreate{
		Name:        g.Name,
		MemberUUIDs: members,
		ForkedFrom:  groupUUID,
	})
	if err != nil {
		return "", fmt.Errorf("fork group: %w", err)
	}
	if err := s.mintKey(newUUID); err != nil {
		return "", err
	}
	s.logger.Info("forked group", "from", groupUUID, "group", newUUID,
		"members", len(members), "excluded", len(excludePersonUUIDs))
	return newUUID, nil
}

func (s *Service) requireGroup(groupUUID string) error {
	g, err := s.db.GetGroup(groupUUID)
	if err != nil {
		return err
	}
	if g == nil || g.RemovedAt != nil {
		return fmt.Errorf("%s: %w", groupUUID, ErrGroupNotFound)
	}
	return nil
}

func (s *Service) mintKey(groupUUID string) error {
	key, err := crypto.NewSymmetricKey()
	if err != nil {
		return err
	}
	if err := s.db.SetGroupKey(groupUUID, key); err != nil {
		return fmt.Errorf("install group key: %w", err)
	}
	return nil
}
