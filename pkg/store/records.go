package store

import "time"

// ProfileRecord is the persisted row form of types.Profile, with its
// list/map-typed fields JSON-marshaled into TEXT columns.
type ProfileRecord struct {
	ID                  int64
	ProfileID           string
	Name                string
	Description         string
	DeviceID            string
	Tags                []string
	OpenWrtRelease      string
	Target              string
	Subtarget           string
	ImageBuilderProfile string
	Packages            []string
	PackagesRemove      []string
	FilesJSON           string // raw JSON of []types.FileSpec, decoded by callers
	OverlayDir          string
	PoliciesJSON        string
	BuildDefaultsJSON   string
	BinDir              string
	ExtraImageName      string
	DisabledServices    []string
	RootfsPartsize      *int
	AddLocalKey         *bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CreatedBy           string
	Notes               string
}

// ImageBuilderRecord is the persisted row form of a cached Image Builder.
type ImageBuilderRecord struct {
	ID                 int64
	OpenWrtRelease     string
	Target             string
	Subtarget          string
	UpstreamURL        string
	ArchivePath        string
	RootDir            string
	Checksum           string
	SignatureVerified  bool
	State              string
	FirstUsedAt        *time.Time
	LastUsedAt         *time.Time
}

// BuildRecord is the persisted row form of a build pipeline execution.
type BuildRecord struct {
	ID             int64
	ProfileID      int64
	ImageBuilderID int64
	Status         string
	RequestedAt    time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	InputSnapshot  string
	CacheKey       string
	BuildDir       string
	LogPath        string
	ErrorType      string
	ErrorMessage   string
	IsCacheHit     bool
}

// ArtifactRecord is the persisted row form of one output file of a build.
type ArtifactRecord struct {
	ID           int64
	BuildID      int64
	Kind         string
	RelativePath string
	AbsolutePath string
	Filename     string
	SizeBytes    int64
	SHA256       string
	Labels       []string
}

// FlashRecord is the persisted row form of a flash (write-to-device)
// operation.
type FlashRecord struct {
	ID                  int64
	ArtifactID          int64
	BuildID             int64
	DevicePath          string
	DeviceModel         string
	DeviceSerial        string
	RequestedAt         time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
	Status              string
	WipedBeforeFlash     bool
	VerificationMode     string
	VerificationResult   string
	LogPath              string
	ErrorType            string
	ErrorMessage         string
}
