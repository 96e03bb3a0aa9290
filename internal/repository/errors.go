package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

// notFound 将 gorm.ErrRecordNotFound 转为 model.ErrNotFound
func notFound(err error, what string, id int64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", what, id, model.ErrNotFound)
	}
	return err
}

func isNotFound(err error) bool { return errors.Is(err, model.ErrNotFound) }
