package enum

// Encryption is the socket security an account is configured with.
type Encryption string

const (
	EncryptionNone Encryption = "none"
	EncryptionSSL  Encryption = "ssl"
	EncryptionTLS  Encryption = "tls"
)

func (e Encryption) String() string {
	return string(e)
}

func (e Encryption) Valid() bool {
	switch e {
	case EncryptionNone, EncryptionSSL, EncryptionTLS:
		return true
	}
	return false
}

// SyncStatus is the coarse account sync state published on the bus.
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusSucceeded SyncStatus = "succeeded"
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusRetrying  SyncStatus = "retrying"
)

func (s SyncStatus) String() string {
	return string(s)
}

type EmailDirection string

const (
	EmailInbound  EmailDirection = "inbound"
	EmailOutbound EmailDirection = "outbound"
)

func (t EmailDirection) String() string {
	return string(t)
}

type EmailPartType string

const (
	EmailPartBody       EmailPartType = "body"
	EmailPartAlternate  EmailPartType = "alternate"
	EmailPartAttachment EmailPartType = "attachment"
	EmailPartInline     EmailPartType = "inline"
)

func (t EmailPartType) String() string {
	return string(t)
}
