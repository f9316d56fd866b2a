package catalog

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/karaoke-night-system/pkg/database"
	"github.com/karaoke-night-system/pkg/models"
)

// ErrNotFound is returned when a media id is unknown or a filler pool is
// empty.
var ErrNotFound = errors.New("media not found")

// Catalog is the read-only media lookup the queue and playback layers
// depend on.
type Catalog interface {
	// Lookup resolves a media id to its metadata.
	Lookup(id uuid.UUID) (*models.Media, error)
	// Filler picks one media of the given filler type.
	Filler(mediaType models.MediaType) (*models.Media, error)
}

// DBCatalog serves lookups from the MySQL media catalog. Filler pools are
// loaded once at construction; the catalog is read-only at runtime.
type DBCatalog struct {
	db      *database.MySQLDB
	fillers map[models.MediaType][]*models.Media
	rnd     *rand.Rand
}

var fillerTypes = []models.MediaType{
	models.MediaBackground,
	models.MediaPauseScreen,
	models.MediaJingle,
	models.MediaSponsor,
	models.MediaEncore,
	models.MediaOutro,
	models.MediaIntro,
}

func NewDBCatalog(db *database.MySQLDB, rnd *rand.Rand) (*DBCatalog, error) {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	fillers := make(map[models.MediaType][]*models.Media)
	for _, t := range fillerTypes {
		medias, err := db.ListMediaByType(t)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s pool: %w", t, err)
		}
		fillers[t] = medias
	}

	return &DBCatalog{db: db, fillers: fillers, rnd: rnd}, nil
}

func (c *DBCatalog) Lookup(id uuid.UUID) (*models.Media, error) {
	media, err := c.db.GetMediaByID(id.String())
	if err != nil {
		return nil, ErrNotFound
	}
	return media, nil
}

func (c *DBCatalog) Filler(mediaType models.MediaType) (*models.Media, error) {
	pool := c.fillers[mediaType]
	if len(pool) == 0 {
		return nil, ErrNotFound
	}
	return pool[c.rnd.Intn(len(pool))], nil
}
