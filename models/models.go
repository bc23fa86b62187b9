package models

// MigrateModels is the list of models auto-migrated at store creation.
var MigrateModels = []any{
	&AuditEntry{},
	&BlindToken{},
	&EncryptedBallot{},
	&ElectionResult{},
	&CandidateResult{},
}
