package server

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var errInvalidSnowflakeID = errors.New("invalid_id")

func parseSnowflakeID(value string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errInvalidSnowflakeID
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return 0, errInvalidSnowflakeID
	}
	return parsed, nil
}
