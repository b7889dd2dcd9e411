package model

import "github.com/zeromicro/go-zero/core/stores/sqlx"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = sqlx.ErrNotFound
