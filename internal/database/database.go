package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moorgate-io/moorgate/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Host{}, &Credential{}, &Setting{}, &User{}, &SSHActivity{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Host helpers

func GetHostByID(id uint) (*Host, error) {
	var h Host
	if err := DB.First(&h, id).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func ListHosts() ([]Host, error) {
	var hosts []Host
	if err := DB.Order("sort_order, id").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

func CreateHost(h *Host) error {
	return DB.Create(h).Error
}

func UpdateHost(h *Host) error {
	return DB.Save(h).Error
}

func DeleteHost(id uint) error {
	return DB.Delete(&Host{}, id).Error
}

// Credential helpers

func GetCredentialByID(id uint) (*Credential, error) {
	var c Credential
	if err := DB.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func ListCredentials() ([]Credential, error) {
	var creds []Credential
	if err := DB.Order("id").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

func CreateCredential(c *Credential) error {
	return DB.Create(c).Error
}

func DeleteCredential(id uint) error {
	return DB.Delete(&Credential{}, id).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func UpdateUserPassword(id uint, hash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", hash).Error
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

// Activity helpers

func CreateSSHActivity(a *SSHActivity) error {
	return DB.Create(a).Error
}

func ListSSHActivity(limit int) ([]SSHActivity, error) {
	var entries []SSHActivity
	if err := DB.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// PruneSSHActivity deletes activity entries older than the retention window.
// Returns the number of rows removed.
func PruneSSHActivity(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := DB.Where("created_at < ?", cutoff).Delete(&SSHActivity{})
	return res.RowsAffected, res.Error
}
