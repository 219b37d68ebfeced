package model

type (
	// Credential is one row of the server's account table. The password itself
	// is never stored.
	Credential struct {
		Username     string `bson:"username" json:"username"`
		PasswordHash []byte `bson:"password_hash" json:"password_hash"`
		Salt         []byte `bson:"salt" json:"salt"`
		KDFVersion   int    `bson:"kdf_version" json:"kdf_version"`
	}

	// HistoryRecord is one persisted conversation line.
	HistoryRecord struct {
		Sender  string
		Type    MessageType
		Message string
	}
)
