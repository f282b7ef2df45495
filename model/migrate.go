package model

import (
	"fmt"

	"gorm.io/gorm"
)

// schema is every persisted model, parents before children.
var schema = []any{
	&Account{},
	&CharacterProfile{},
	&Guild{},
	&GuildMember{},
	&Vote{},
	&VoteTally{},
	&LootEntry{},
	&QuestProgress{},
	&HeroicRun{},
	&BotSession{},
	&SessionEvent{},
	&AuditLog{},
}

// AutoMigrate brings the schema up to date. The first failing table stops
// the run and is named in the error.
func AutoMigrate(db *gorm.DB) error {
	for _, m := range schema {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("migrate %s: %w", tableName(db, m), err)
		}
	}
	return nil
}

// Tables lists the table names AutoMigrate manages, in migration order.
func Tables(db *gorm.DB) []string {
	names := make([]string, 0, len(schema))
	for _, m := range schema {
		names = append(names, tableName(db, m))
	}
	return names
}

func tableName(db *gorm.DB, m any) string {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(m); err != nil {
		return fmt.Sprintf("%T", m)
	}
	return stmt.Schema.Table
}
