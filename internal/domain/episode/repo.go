package episode

import (
	"context"
	"encoding/json"
	"time"
)

// Repository is the persistence contract for episodes and element results.
// Create is transactional over the episode row and its pending element rows;
// the episode_open_one partial unique index enforces the one-open-episode
// invariant at the database. ResolveElement is a compare-and-set from
// pending, so a terminal result is write-once even under concurrent workers.
type Repository interface {
	Create(ctx context.Context, ep *Episode, elementIDs []string) error
	GetByEpisodeID(ctx context.Context, episodeID string) (*Episode, error)
	GetOpen(ctx context.Context, patientID, bundleID string) (*Episode, error)
	LastClosed(ctx context.Context, patientID, bundleID string) (*Episode, error)
	ListOpenByPatient(ctx context.Context, patientID string) ([]*Episode, error)
	Close(ctx context.Context, id int64, at time.Time) error

	Elements(ctx context.Context, episodeFK int64) ([]*ElementResult, error)
	ResolveElement(ctx context.Context, episodeFK int64, elementID string, status ElementStatus, evidence json.RawMessage, at time.Time) (bool, error)
}
