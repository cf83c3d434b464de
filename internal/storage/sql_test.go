package storage

import (
	"errors"
	"testing"

	pq "github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/config"
)

func TestNewSQLArchiveRequiresDriverAndDSN(t *testing.T) {
	_, err := NewSQLArchive(config.SQLConfig{})
	assert.Error(t, err)
	_, err = NewSQLArchive(config.SQLConfig{Driver: "postgres"})
	assert.Error(t, err)
}

func TestIsUndefinedTableErr(t *testing.T) {
	assert.True(t, isUndefinedTableErr(&pq.Error{Code: "42P01"}))
	assert.False(t, isUndefinedTableErr(&pq.Error{Code: "23505"}))
	assert.True(t, isUndefinedTableErr(errors.New(`relation "mirrored_pages" does not exist`)))
	assert.False(t, isUndefinedTableErr(errors.New("connection refused")))
}
