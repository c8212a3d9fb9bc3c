package models

// All はマイグレーション対象のモデル一覧
func All() []interface{} {
	return []interface{}{
		&ScheduledSend{},
		&ScheduledDeletion{},
		&CleanupRule{},
		&ReactionRule{},
		&RoomWatchRule{},
	}
}
