package poalegal

import "errors"

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("poalegal: invalid configuration")

	// ErrInvalidIssues is returned when a retrieval request carries no
	// issues or a malformed one.
	ErrInvalidIssues = errors.New("poalegal: invalid issues")

	// ErrUnsupportedFormat is returned for statute files no loader reads.
	ErrUnsupportedFormat = errors.New("poalegal: unsupported corpus format")

	// ErrParsingFailed is returned when a statute file cannot be loaded.
	ErrParsingFailed = errors.New("poalegal: parsing failed")

	// ErrEmbeddingFailed is returned when no article of an ingest could be embedded.
	ErrEmbeddingFailed = errors.New("poalegal: embedding generation failed")

	// ErrArtifactNotFound is returned when an artifact id is unknown.
	ErrArtifactNotFound = errors.New("poalegal: artifact not found")

	// ErrArtifactsUnavailable is returned when no configured sink can read
	// artifacts back or record verdicts.
	ErrArtifactsUnavailable = errors.New("poalegal: artifact lookup unavailable")

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("poalegal: engine is closed")
)
