package enum

// ObjectType tags what a staged file-cache object holds.
type ObjectType string

const (
	ObjectEmailPart ObjectType = "EMAIL_PART"
	ObjectRawEmail  ObjectType = "RAW_EMAIL"
)

func (t ObjectType) String() string {
	return string(t)
}

// EntityType tags the subject of a bus event.
type EntityType string

const (
	ACCOUNT EntityType = "ACCOUNT"
	EMAIL   EntityType = "EMAIL"
)

func (e EntityType) String() string {
	return string(e)
}
