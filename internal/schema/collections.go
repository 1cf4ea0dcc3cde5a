// Package schema defines the data model shared between the client-facing
// sync surface and the normalized server store.
//
// Clients exchange simplified per-feature records ("client collections").
// The server stores a relationally-decomposed model keyed by user
// ("normalized collections"), plus an append-only change log that is the
// sole source of truth for incremental sync.
package schema

// Client collections are the shapes devices actually read and write.
const (
	ClientPages             = "pages"
	ClientVisits            = "visits"
	ClientAnnotations       = "annotations"
	ClientTags              = "tags"
	ClientCustomLists       = "customLists"
	ClientPageListEntries   = "pageListEntries"
	ClientTemplates         = "templates"
	ClientSharedListMeta    = "sharedListMetadata"
	ClientSharedAnnotMeta   = "sharedAnnotationMetadata"
	ClientAnnotPrivacyLevel = "annotationPrivacyLevels"
)

// Normalized collections hold the server-side decomposition. Every row is
// implicitly owned by a user and attributed to the recording device.
const (
	CollContentMetadata  = "contentMetadata"
	CollContentLocator   = "contentLocator"
	CollContentRead      = "contentRead"
	CollAnnotation       = "annotation"
	CollAnnotSelector    = "annotationSelector"
	CollTag              = "tag"
	CollTagConnection    = "tagConnection"
	CollList             = "list"
	CollListEntry        = "listEntry"
	CollListShare        = "listShare"
	CollAnnotationShare  = "annotationShare"
	CollAnnotPrivacy     = "annotationPrivacyLevel"
	CollTextTemplate     = "textTemplate"
	CollDeviceInfo       = "deviceInfo"
	CollChangeLog        = "changeLog"
)

// Change log entry types.
const (
	ChangeCreate = "create"
	ChangeModify = "modify"
	ChangeDelete = "delete"
)

// Location schemes recognized on content locators.
const (
	LocationSchemeNormalizedURL = "normalized-url-v1"
	LocationSchemeFilesystem    = "filesystem-path-v1"
)

// Annotation privacy levels exchanged with clients.
const (
	PrivacyProtected = int64(0)
	PrivacyPrivate   = int64(1)
	PrivacyShared    = int64(2)
)
