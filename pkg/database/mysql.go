package database

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/karaoke-night-system/pkg/models"
)

type MySQLDB struct {
	*gorm.DB
}

func NewMySQLDB(host, port, user, password, dbname string) (*MySQLDB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &MySQLDB{DB: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Media{},
		&models.Playlist{},
		&models.QueueEntry{},
	)
}

// User operations
func (db *MySQLDB) CreateUser(user *models.User) error {
	return db.Create(user).Error
}

func (db *MySQLDB) GetUserByID(id string) (*models.User, error) {
	var user models.User
	if err := db.First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (db *MySQLDB) GetUserByName(name string) (*models.User, error) {
	var user models.User
	if err := db.First(&user, "name = ?", name).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// Media catalog operations (read-only at runtime)
func (db *MySQLDB) GetMediaByID(id string) (*models.Media, error) {
	var media models.Media
	if err := db.First(&media, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &media, nil
}

func (db *MySQLDB) ListMediaByType(mediaType models.MediaType) ([]*models.Media, error) {
	var medias []*models.Media
	if err := db.Where("type = ?", mediaType).
		Order("title ASC").
		Find(&medias).Error; err != nil {
		return nil, err
	}
	return medias, nil
}

// Playlist state. The running queue lives in memory; playlists and their
// entries are read here once at startup and written back at shutdown.
func (db *MySQLDB) LoadPlaylists() ([]*models.Playlist, []*models.QueueEntry, error) {
	var playlists []*models.Playlist
	if err := db.Order("created_at ASC").Find(&playlists).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load playlists: %w", err)
	}

	var entries []*models.QueueEntry
	if err := db.Order("playlist_id ASC, position ASC").Find(&entries).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load queue entries: %w", err)
	}

	return playlists, entries, nil
}

func (db *MySQLDB) SavePlaylists(playlists []*models.Playlist, entries []*models.QueueEntry) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Delete(&models.QueueEntry{}).Error; err != nil {
			return fmt.Errorf("failed to clear queue entries: %w", err)
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Delete(&models.Playlist{}).Error; err != nil {
			return fmt.Errorf("failed to clear playlists: %w", err)
		}
		for _, pl := range playlists {
			if err := tx.Create(pl).Error; err != nil {
				return fmt.Errorf("failed to save playlist %s: %w", pl.ID, err)
			}
		}
		for _, e := range entries {
			if err := tx.Create(e).Error; err != nil {
				return fmt.Errorf("failed to save entry %s: %w", e.ID, err)
			}
		}
		return nil
	})
}
