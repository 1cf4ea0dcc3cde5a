package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/pagekeep/pagekeep/internal/schema"
	"github.com/pagekeep/pagekeep/internal/store"
)

// DefaultExternalizeThreshold is the field size in bytes above which a
// value is kept out of the normalized store and the client is told to
// upload it as a blob instead.
const DefaultExternalizeThreshold = 256 << 10

// Config configures a Translator.
type Config struct {
	// Now supplies timestamps; defaults to a process-monotonic ms clock.
	Now func() int64

	// Logger for translation activity; defaults to stderr.
	Logger *log.Logger

	// ExternalizeThreshold overrides DefaultExternalizeThreshold.
	// Negative disables externalization entirely.
	ExternalizeThreshold int
}

// Translator converts client-shaped updates into normalized writes and
// change-log rows back into client-shaped updates. It is stateless per
// call and safe for concurrent use.
type Translator struct {
	store     store.Store
	now       func() int64
	logger    *log.Logger
	threshold int
}

// New creates a Translator over the given store.
func New(st store.Store, config *Config) *Translator {
	if config == nil {
		config = &Config{}
	}
	now := config.Now
	if now == nil {
		clock := &Clock{}
		now = clock.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	threshold := config.ExternalizeThreshold
	if threshold == 0 {
		threshold = DefaultExternalizeThreshold
	}
	return &Translator{store: st, now: now, logger: logger, threshold: threshold}
}

// PushUpdate applies one client update for the authenticated user. The
// user id comes from the boundary, never from the payload; the payload's
// device id is taken as-is for attribution. All resulting writes commit
// as a single atomic batch. The returned instructions, if any, tell the
// client to externalize oversized fields as blobs.
func (t *Translator) PushUpdate(ctx context.Context, userID string, u PushUpdate) ([]Instruction, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if err := schema.CheckVersion(u.SchemaVersion); err != nil {
		return nil, err
	}

	o := newOps(t.store, userID, u.DeviceID, t.now)

	var instructions []Instruction
	var err error
	switch u.Type {
	case UpdateOverwrite:
		if u.Object == nil {
			return nil, fmt.Errorf("%w: overwrite without object", ErrInvalidUpdate)
		}
		instructions, err = t.translateOverwrite(ctx, o, u.Collection, u.Object)
	case UpdateDelete:
		if u.Where == nil {
			return nil, fmt.Errorf("%w: delete without matcher", ErrInvalidUpdate)
		}
		err = t.translateDelete(ctx, o, u.Collection, u.Where)
	default:
		return nil, fmt.Errorf("%w: unknown update type %q", ErrInvalidUpdate, u.Type)
	}
	if err != nil {
		return nil, err
	}

	if _, err := o.flush(ctx); err != nil {
		return nil, err
	}
	return instructions, nil
}

func (t *Translator) translateOverwrite(ctx context.Context, o *ops, collection string, obj map[string]any) ([]Instruction, error) {
	switch collection {
	case schema.ClientPages:
		return t.overwritePage(ctx, o, obj)
	case schema.ClientVisits:
		return nil, t.overwriteVisit(ctx, o, obj)
	case schema.ClientAnnotations:
		return t.overwriteAnnotation(ctx, o, obj)
	case schema.ClientTags:
		return nil, t.overwriteTag(ctx, o, obj)
	case schema.ClientCustomLists:
		return nil, t.overwriteList(ctx, o, obj)
	case schema.ClientPageListEntries:
		return nil, t.overwriteListEntry(ctx, o, obj)
	case schema.ClientTemplates:
		return nil, t.overwriteTemplate(ctx, o, obj)
	case schema.ClientSharedListMeta:
		return nil, t.overwriteListShare(ctx, o, obj)
	case schema.ClientSharedAnnotMeta:
		return nil, t.overwriteAnnotationShare(ctx, o, obj)
	case schema.ClientAnnotPrivacyLevel:
		return nil, t.overwritePrivacyLevel(ctx, o, obj)
	}
	return nil, fmt.Errorf("%w: unsupported collection %q", ErrInvalidUpdate, collection)
}

func (t *Translator) translateDelete(ctx context.Context, o *ops, collection string, where map[string]any) error {
	switch collection {
	case schema.ClientPages:
		return t.deletePage(ctx, o, where)
	case schema.ClientVisits:
		return t.deleteVisit(ctx, o, where)
	case schema.ClientAnnotations:
		return t.deleteAnnotation(ctx, o, where)
	case schema.ClientTags:
		return t.deleteTag(ctx, o, where)
	case schema.ClientCustomLists:
		return t.deleteList(ctx, o, where)
	case schema.ClientPageListEntries:
		return t.deleteListEntry(ctx, o, where)
	case schema.ClientTemplates:
		return t.deleteTemplate(ctx, o, where)
	case schema.ClientSharedListMeta:
		return t.deleteListShare(ctx, o, where)
	case schema.ClientSharedAnnotMeta:
		return t.deleteAnnotationShare(ctx, o, where)
	case schema.ClientAnnotPrivacyLevel:
		return t.deletePrivacyLevel(ctx, o, where)
	}
	return fmt.Errorf("%w: unsupported collection %q", ErrInvalidUpdate, collection)
}

// --- pages ---

func metadataFields(obj map[string]any) map[string]any {
	return map[string]any{
		"title":       schema.Str(obj, "fullTitle"),
		"lang":        schema.Str(obj, "lang"),
		"description": schema.Str(obj, "description"),
	}
}

// overwritePage upserts a page by its natural key: the user plus the
// normalized location of its primary locator. Replays update metadata
// fields in place; they never produce a second row.
func (t *Translator) overwritePage(ctx context.Context, o *ops, obj map[string]any) ([]Instruction, error) {
	rawURL := schema.Str(obj, "url")
	if rawURL == "" {
		return nil, fmt.Errorf("%w: page without url", ErrInvalidUpdate)
	}
	location := schema.NormalizeURL(rawURL)

	var instructions []Instruction
	fields := metadataFields(obj)
	body := schema.Str(obj, "pageContent")
	if body != "" && t.externalize(len(body)) {
		instructions = append(instructions, Instruction{
			Type:       InstructionUploadToStorage,
			Collection: schema.ClientPages,
			Where:      map[string]any{"url": location},
			Field:      "pageContent",
			Path:       blobPath(o.user, schema.ClientPages, location, "pageContent"),
		})
	} else if body != "" {
		fields["pageContent"] = body
	}

	locator, err := o.findOne(ctx, schema.CollContentLocator, store.Filter{"location": location})
	switch {
	case err == nil:
		o.stageUpdateByID(schema.CollContentMetadata, schema.Str(locator, "contentMetadata"), fields)
	case errors.Is(err, store.ErrNotFound):
		fields["canonicalUrl"] = location
		t.stagePageScaffold(o, location, schema.Str(obj, "fullUrl"), fields)
	default:
		return nil, err
	}
	return instructions, nil
}

// stagePageScaffold stages a fresh metadata row plus its primary
// locator, returning the metadata create's step index.
func (t *Translator) stagePageScaffold(o *ops, location, fullURL string, fields map[string]any) int {
	metaIdx := o.stageCreate(schema.CollContentMetadata, fields)
	o.stageCreate(schema.CollContentLocator, map[string]any{
		"location":         location,
		"originalLocation": fullURL,
		"locationScheme":   schema.LocationSchemeNormalizedURL,
		"format":           "html",
		"primary":          true,
		"valid":            true,
	}, store.Backref{Field: "contentMetadata", FromStep: metaIdx})
	return metaIdx
}

// resolveMetadata finds content metadata through its primary locator.
// When the page is unknown and scaffold is set, a bare metadata/locator
// pair is staged so dependent records (visits, annotations, list
// entries) can land before the page itself syncs. Returns either the
// existing metadata id or the staged create's step index.
func (t *Translator) resolveMetadata(ctx context.Context, o *ops, rawURL string, scaffold bool) (id string, stepIdx int, err error) {
	location := schema.NormalizeURL(rawURL)
	locator, err := o.findOne(ctx, schema.CollContentLocator, store.Filter{"location": location})
	if err == nil {
		return schema.Str(locator, "contentMetadata"), -1, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", -1, err
	}
	if !scaffold {
		return "", -1, store.ErrNotFound
	}
	idx := t.stagePageScaffold(o, location, "", map[string]any{"canonicalUrl": location, "title": ""})
	return "", idx, nil
}

// metadataRef builds the filter-or-backref pair pointing a child row at
// resolved metadata.
func metadataRef(field, id string, stepIdx int) (map[string]any, []store.Backref) {
	if stepIdx >= 0 {
		return nil, []store.Backref{{Field: field, FromStep: stepIdx}}
	}
	return map[string]any{field: id}, nil
}

func (t *Translator) deletePage(ctx context.Context, o *ops, where map[string]any) error {
	rawURL := schema.Str(where, "url")
	if rawURL == "" {
		return fmt.Errorf("%w: page delete without url", ErrInvalidUpdate)
	}
	location := schema.NormalizeURL(rawURL)

	locator, err := o.findOne(ctx, schema.CollContentLocator, store.Filter{"location": location})
	if errors.Is(err, store.ErrNotFound) {
		return nil // already gone
	}
	if err != nil {
		return err
	}
	metaID := schema.Str(locator, "contentMetadata")

	// Deleting metadata cascades to every locator it owns. Only the
	// metadata row carries reconstruction info, stored as the matcher the
	// client sent; the locator rows have no client-facing shape of their
	// own.
	o.stageDelete(deleteRef{schema.CollContentMetadata, metaID, where})
	locators, err := o.findMany(ctx, schema.CollContentLocator, store.Filter{"contentMetadata": metaID}, nil)
	if err != nil {
		return err
	}
	for _, l := range locators {
		o.stageDelete(deleteRef{schema.CollContentLocator, schema.Str(l, store.IDField), nil})
	}
	return nil
}

// --- visits ---

func (t *Translator) overwriteVisit(ctx context.Context, o *ops, obj map[string]any) error {
	rawURL := schema.Str(obj, "url")
	when := schema.I64(obj, "time")
	if rawURL == "" || when == 0 {
		return fmt.Errorf("%w: visit needs url and time", ErrInvalidUpdate)
	}

	metaID, metaIdx, err := t.resolveMetadata(ctx, o, rawURL, true)
	if err != nil {
		return err
	}

	fields := map[string]any{
		"readWhen":     when,
		"readDuration": schema.I64(obj, "duration"),
	}
	ref, backrefs := metadataRef("contentMetadata", metaID, metaIdx)

	if metaIdx >= 0 {
		// Freshly scaffolded page: the read cannot exist yet.
		for k, v := range ref {
			fields[k] = v
		}
		o.stageCreate(schema.CollContentRead, fields, backrefs...)
		return nil
	}

	existing, _, err := o.findOrStageCreate(ctx, schema.CollContentRead,
		store.Filter{"contentMetadata": metaID, "readWhen": when},
		mergeFields(fields, ref), backrefs...)
	if err != nil {
		return err
	}
	if existing != nil {
		o.stageUpdateByID(schema.CollContentRead, schema.Str(existing, store.IDField),
			map[string]any{"readDuration": schema.I64(obj, "duration")})
	}
	return nil
}

func (t *Translator) deleteVisit(ctx context.Context, o *ops, where map[string]any) error {
	metaID, _, err := t.resolveMetadata(ctx, o, schema.Str(where, "url"), false)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	read, err := o.findOne(ctx, schema.CollContentRead,
		store.Filter{"contentMetadata": metaID, "readWhen": schema.I64(where, "time")})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.stageDelete(deleteRef{schema.CollContentRead, schema.Str(read, store.IDField),
		map[string]any{"url": schema.Str(where, "url"), "time": schema.I64(where, "time")}})
	return nil
}

// --- annotations ---

func (t *Translator) overwriteAnnotation(ctx context.Context, o *ops, obj map[string]any) ([]Instruction, error) {
	composite := schema.Str(obj, "url")
	pageURL, localID, err := schema.SplitAnnotationURL(composite)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	metaID, metaIdx, err := t.resolveMetadata(ctx, o, pageURL, true)
	if err != nil {
		return nil, err
	}

	var instructions []Instruction
	fields := map[string]any{
		"localId":    localID,
		"comment":    schema.Str(obj, "comment"),
		"lastEdited": schema.I64(obj, "lastEdited"),
	}
	if when := schema.I64(obj, "createdWhen"); when != 0 {
		fields["createdWhen"] = when
	}
	body := schema.Str(obj, "body")
	if body != "" && t.externalize(len(body)) {
		instructions = append(instructions, Instruction{
			Type:       InstructionUploadToStorage,
			Collection: schema.ClientAnnotations,
			Where:      map[string]any{"url": composite},
			Field:      "body",
			Path:       blobPath(o.user, schema.ClientAnnotations, composite, "body"),
		})
	} else {
		fields["body"] = body
	}

	ref, backrefs := metadataRef("contentMetadata", metaID, metaIdx)
	selector := schema.Map(obj, "selector")

	if metaIdx >= 0 {
		annIdx := o.stageCreate(schema.CollAnnotation, mergeFields(fields, ref), backrefs...)
		if selector != nil {
			o.stageCreate(schema.CollAnnotSelector, map[string]any{"selector": selector},
				store.Backref{Field: "annotation", FromStep: annIdx})
		}
		return instructions, nil
	}

	existing, annIdx, err := o.findOrStageCreate(ctx, schema.CollAnnotation,
		store.Filter{"contentMetadata": metaID, "localId": localID},
		mergeFields(fields, ref), backrefs...)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if selector != nil {
			o.stageCreate(schema.CollAnnotSelector, map[string]any{"selector": selector},
				store.Backref{Field: "annotation", FromStep: annIdx})
		}
		return instructions, nil
	}

	annID := schema.Str(existing, store.IDField)
	delete(fields, "createdWhen") // creation time does not move on replay
	o.stageUpdateByID(schema.CollAnnotation, annID, fields)

	sel, err := o.findOne(ctx, schema.CollAnnotSelector, store.Filter{"annotation": annID})
	switch {
	case err == nil && selector != nil:
		o.stageUpdateByID(schema.CollAnnotSelector, schema.Str(sel, store.IDField),
			map[string]any{"selector": selector})
	case err == nil && selector == nil:
		o.stageDelete(deleteRef{schema.CollAnnotSelector, schema.Str(sel, store.IDField), nil})
	case errors.Is(err, store.ErrNotFound) && selector != nil:
		o.stageCreate(schema.CollAnnotSelector, map[string]any{
			"annotation": annID,
			"selector":   selector,
		})
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return instructions, nil
}

// findAnnotationByURL resolves a composite annotation URL to its row.
func (t *Translator) findAnnotationByURL(ctx context.Context, o *ops, composite string) (map[string]any, error) {
	pageURL, localID, err := schema.SplitAnnotationURL(composite)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	metaID, _, err := t.resolveMetadata(ctx, o, pageURL, false)
	if err != nil {
		return nil, err
	}
	return o.findOne(ctx, schema.CollAnnotation, store.Filter{"contentMetadata": metaID, "localId": localID})
}

func (t *Translator) deleteAnnotation(ctx context.Context, o *ops, where map[string]any) error {
	composite := schema.Str(where, "url")
	ann, err := t.findAnnotationByURL(ctx, o, composite)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	annID := schema.Str(ann, store.IDField)

	o.stageDelete(deleteRef{schema.CollAnnotation, annID, map[string]any{"url": composite}})
	if sel, err := o.findOne(ctx, schema.CollAnnotSelector, store.Filter{"annotation": annID}); err == nil {
		o.stageDelete(deleteRef{schema.CollAnnotSelector, schema.Str(sel, store.IDField), nil})
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// --- tags ---

// resolveTagTarget maps a tag's url to its polymorphic target: an
// annotation when the url carries a fragment, content metadata
// otherwise. The target must exist; a dangling tag is a defect, not a
// race to tolerate.
func (t *Translator) resolveTagTarget(ctx context.Context, o *ops, rawURL string) (collection, objectID string, err error) {
	if schema.IsAnnotationURL(rawURL) {
		ann, err := t.findAnnotationByURL(ctx, o, rawURL)
		if errors.Is(err, store.ErrNotFound) {
			return "", "", fmt.Errorf("%w: no annotation at %q", ErrMissingTarget, rawURL)
		}
		if err != nil {
			return "", "", err
		}
		return schema.CollAnnotation, schema.Str(ann, store.IDField), nil
	}
	metaID, _, err := t.resolveMetadata(ctx, o, rawURL, false)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", fmt.Errorf("%w: no page at %q", ErrMissingTarget, rawURL)
	}
	if err != nil {
		return "", "", err
	}
	return schema.CollContentMetadata, metaID, nil
}

func (t *Translator) overwriteTag(ctx context.Context, o *ops, obj map[string]any) error {
	name := schema.Str(obj, "name")
	rawURL := schema.Str(obj, "url")
	if name == "" || rawURL == "" {
		return fmt.Errorf("%w: tag needs name and url", ErrInvalidUpdate)
	}

	targetColl, targetID, err := t.resolveTagTarget(ctx, o, rawURL)
	if err != nil {
		return err
	}

	tag, tagIdx, err := o.findOrStageCreate(ctx, schema.CollTag,
		store.Filter{"name": name}, map[string]any{"name": name})
	if err != nil {
		return err
	}

	connFields := map[string]any{"collection": targetColl, "objectId": targetID}
	if tag != nil {
		tagID := schema.Str(tag, store.IDField)
		conn, _, err := o.findOrStageCreate(ctx, schema.CollTagConnection,
			store.Filter{"tag": tagID, "collection": targetColl, "objectId": targetID},
			mergeFields(connFields, map[string]any{"tag": tagID}))
		if err != nil {
			return err
		}
		if conn != nil {
			// Replay: touch the connection so the change still logs.
			o.stageUpdateByID(schema.CollTagConnection, schema.Str(conn, store.IDField), nil)
		}
		return nil
	}
	o.stageCreate(schema.CollTagConnection, connFields,
		store.Backref{Field: "tag", FromStep: tagIdx})
	return nil
}

func (t *Translator) deleteTag(ctx context.Context, o *ops, where map[string]any) error {
	name := schema.Str(where, "name")
	rawURL := schema.Str(where, "url")

	tag, err := o.findOne(ctx, schema.CollTag, store.Filter{"name": name})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	targetColl, targetID, err := t.resolveTagTarget(ctx, o, rawURL)
	if errors.Is(err, ErrMissingTarget) {
		return nil // target already gone; so is any connection worth naming
	}
	if err != nil {
		return err
	}

	conn, err := o.findOne(ctx, schema.CollTagConnection,
		store.Filter{"tag": schema.Str(tag, store.IDField), "collection": targetColl, "objectId": targetID})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.stageDelete(deleteRef{schema.CollTagConnection, schema.Str(conn, store.IDField),
		map[string]any{"name": name, "url": rawURL}})
	return nil
}

// --- custom lists ---

func (t *Translator) overwriteList(ctx context.Context, o *ops, obj map[string]any) error {
	localID := schema.I64(obj, "id")
	if localID == 0 {
		return fmt.Errorf("%w: list needs id", ErrInvalidUpdate)
	}
	fields := map[string]any{
		"name":           schema.Str(obj, "name"),
		"searchableName": schema.Str(obj, "searchableName"),
		"isDeletable":    schema.Bool(obj, "isDeletable"),
		"isNestable":     schema.Bool(obj, "isNestable"),
		"createdAt":      schema.I64(obj, "createdAt"),
	}
	existing, _, err := o.findOrStageCreate(ctx, schema.CollList,
		store.Filter{"localId": localID},
		mergeFields(fields, map[string]any{"localId": localID}))
	if err != nil {
		return err
	}
	if existing != nil {
		o.stageUpdateByID(schema.CollList, schema.Str(existing, store.IDField), fields)
	}
	return nil
}

func (t *Translator) deleteList(ctx context.Context, o *ops, where map[string]any) error {
	localID := schema.I64(where, "id")
	list, err := o.findOne(ctx, schema.CollList, store.Filter{"localId": localID})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	listID := schema.Str(list, store.IDField)

	o.stageDelete(deleteRef{schema.CollList, listID, map[string]any{"id": localID}})
	// List entries belong exclusively to the list; remove them too.
	entries, err := o.findMany(ctx, schema.CollListEntry, store.Filter{"list": listID}, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		o.stageDelete(deleteRef{schema.CollListEntry, schema.Str(e, store.IDField), nil})
	}
	return nil
}

// --- page list entries ---

func (t *Translator) overwriteListEntry(ctx context.Context, o *ops, obj map[string]any) error {
	listLocalID := schema.I64(obj, "listId")
	rawURL := schema.Str(obj, "pageUrl")
	if listLocalID == 0 || rawURL == "" {
		return fmt.Errorf("%w: list entry needs listId and pageUrl", ErrInvalidUpdate)
	}

	list, err := o.findOne(ctx, schema.CollList, store.Filter{"localId": listLocalID})
	if errors.Is(err, store.ErrNotFound) {
		// List not synced yet; a later replay will land the entry.
		t.logger.Printf("skipping list entry for unknown list %d", listLocalID)
		return nil
	}
	if err != nil {
		return err
	}
	listID := schema.Str(list, store.IDField)

	metaID, metaIdx, err := t.resolveMetadata(ctx, o, rawURL, true)
	if err != nil {
		return err
	}

	fields := map[string]any{
		"list":        listID,
		"originalUrl": schema.Str(obj, "fullUrl"),
		"createdAt":   schema.I64(obj, "createdAt"),
	}
	ref, backrefs := metadataRef("contentMetadata", metaID, metaIdx)

	if metaIdx >= 0 {
		o.stageCreate(schema.CollListEntry, mergeFields(fields, ref), backrefs...)
		return nil
	}
	existing, _, err := o.findOrStageCreate(ctx, schema.CollListEntry,
		store.Filter{"list": listID, "contentMetadata": metaID},
		mergeFields(fields, ref), backrefs...)
	if err != nil {
		return err
	}
	if existing != nil {
		o.stageUpdateByID(schema.CollListEntry, schema.Str(existing, store.IDField), fields)
	}
	return nil
}

func (t *Translator) deleteListEntry(ctx context.Context, o *ops, where map[string]any) error {
	listLocalID := schema.I64(where, "listId")
	rawURL := schema.Str(where, "pageUrl")

	list, err := o.findOne(ctx, schema.CollList, store.Filter{"localId": listLocalID})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	metaID, _, err := t.resolveMetadata(ctx, o, rawURL, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	entry, err := o.findOne(ctx, schema.CollListEntry,
		store.Filter{"list": schema.Str(list, store.IDField), "contentMetadata": metaID})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.stageDelete(deleteRef{schema.CollListEntry, schema.Str(entry, store.IDField),
		map[string]any{"listId": listLocalID, "pageUrl": rawURL}})
	return nil
}

// --- templates ---

func (t *Translator) overwriteTemplate(ctx context.Context, o *ops, obj map[string]any) error {
	localID := schema.I64(obj, "id")
	if localID == 0 {
		return fmt.Errorf("%w: template needs id", ErrInvalidUpdate)
	}
	fields := map[string]any{
		"title":       schema.Str(obj, "title"),
		"code":        schema.Str(obj, "code"),
		"isFavourite": schema.Bool(obj, "isFavourite"),
	}
	existing, _, err := o.findOrStageCreate(ctx, schema.CollTextTemplate,
		store.Filter{"localId": localID},
		mergeFields(fields, map[string]any{"localId": localID}))
	if err != nil {
		return err
	}
	if existing != nil {
		o.stageUpdateByID(schema.CollTextTemplate, schema.Str(existing, store.IDField), fields)
	}
	return nil
}

func (t *Translator) deleteTemplate(ctx context.Context, o *ops, where map[string]any) error {
	localID := schema.I64(where, "id")
	tpl, err := o.findOne(ctx, schema.CollTextTemplate, store.Filter{"localId": localID})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.stageDelete(deleteRef{schema.CollTextTemplate, schema.Str(tpl, store.IDField),
		map[string]any{"id": localID}})
	return nil
}

// --- shared list metadata ---

func (t *Translator) overwriteListShare(ctx context.Context, o *ops, obj map[string]any) error {
	localID := schema.I64(obj, "localId")
	remoteID := schema.Str(obj, "remoteId")
	if localID == 0 || remoteID == "" {
		return fmt.Errorf("%w: shared list metadata needs localId and remoteId", ErrInvalidUpdate)
	}
	if _, err := o.findOne(ctx, schema.CollList, store.Filter{"localId": localID}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			t.logger.Printf("skipping share metadata for unknown list %d", localID)
			return nil
		}
		return err
	}
	fields := map[string]any{"remoteId": remoteID, "private": schema.Bool(obj, "private")}
	existing, _, err := o.findOrStageCreate(ctx, schema.CollListShare,
		store.Filter{"localId": localID},
		mergeFields(fields, map[string]any{"localId": localID}))
	if err != nil {
		return err
	}
	if existing != nil {
		o.stageUpdateByID(schema.CollListShare, schema.Str(existing, store.IDField), fields)
	}
	return nil
}

func (t *Translator) deleteListShare(ctx context.Context, o *ops, where map[string]any) error {
	localID := schema.I64(where, "localId")
	share, err := o.findOne(ctx, schema.CollListShare, store.Filter{"localId": localID})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.stageDelete(deleteRef{schema.CollListShare, schema.Str(share, store.IDField),
		map[string]any{"localId": localID}})
	return nil
}

// --- shared annotation metadata ---

func (t *Translator) overwriteAnnotationShare(ctx context.Context, o *ops, obj map[string]any) error {
	composite := schema.Str(obj, "localId")
	remoteID := schema.Str(obj, "remoteId")
	if composite == "" || remoteID == "" {
		return fmt.Errorf("%w: shared annotation metadata needs localId and remoteId", ErrInvalidUpdate)
	}
	ann, err := t.findAnnotationByURL(ctx, o, composite)
	if errors.Is(err, store.ErrNotFound) {
		t.logger.Printf("skipping share metadata for unknown annotation %q", composite)
		return nil
	}
	if err != nil {
		return err
	}
	annID := schema.Str(ann, store.IDField)

	fields := map[string]any{
		"remoteId":         remoteID,
		"excludeFromLists": schema.Bool(obj, "excludeFromLists"),
	}
	existing, _, err := o.findOrStageCreate(ctx, schema.CollAnnotationShare,
		store.Filter{"annotation": annID},
		mergeFields(fields, map[string]any{"annotation": annID}))
	if err != nil {
		return err
	}
	if existing != nil {
		o.stageUpdateByID(schema.CollAnnotationShare, schema.Str(existing, store.IDField), fields)
	}
	return nil
}

func (t *Translator) deleteAnnotationShare(ctx context.Context, o *ops, where map[string]any) error {
	composite := schema.Str(where, "localId")
	ann, err := t.findAnnotationByURL(ctx, o, composite)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	share, err := o.findOne(ctx, schema.CollAnnotationShare,
		store.Filter{"annotation": schema.Str(ann, store.IDField)})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.stageDelete(deleteRef{schema.CollAnnotationShare, schema.Str(share, store.IDField),
		map[string]any{"localId": composite}})
	return nil
}

// --- annotation privacy levels ---

func (t *Translator) overwritePrivacyLevel(ctx context.Context, o *ops, obj map[string]any) error {
	composite := schema.Str(obj, "annotation")
	if composite == "" {
		return fmt.Errorf("%w: privacy level needs annotation", ErrInvalidUpdate)
	}
	ann, err := t.findAnnotationByURL(ctx, o, composite)
	if errors.Is(err, store.ErrNotFound) {
		t.logger.Printf("skipping privacy level for unknown annotation %q", composite)
		return nil
	}
	if err != nil {
		return err
	}
	annID := schema.Str(ann, store.IDField)

	fields := map[string]any{"privacyLevel": schema.I64(obj, "privacyLevel")}
	existing, _, err := o.findOrStageCreate(ctx, schema.CollAnnotPrivacy,
		store.Filter{"annotation": annID},
		mergeFields(fields, map[string]any{"annotation": annID}))
	if err != nil {
		return err
	}
	if existing != nil {
		o.stageUpdateByID(schema.CollAnnotPrivacy, schema.Str(existing, store.IDField), fields)
	}
	return nil
}

func (t *Translator) deletePrivacyLevel(ctx context.Context, o *ops, where map[string]any) error {
	composite := schema.Str(where, "annotation")
	ann, err := t.findAnnotationByURL(ctx, o, composite)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	level, err := o.findOne(ctx, schema.CollAnnotPrivacy,
		store.Filter{"annotation": schema.Str(ann, store.IDField)})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.stageDelete(deleteRef{schema.CollAnnotPrivacy, schema.Str(level, store.IDField),
		map[string]any{"annotation": composite}})
	return nil
}

// --- helpers ---

func (t *Translator) externalize(size int) bool {
	return t.threshold > 0 && size > t.threshold
}

// blobPath derives the stable media path for an externalized field from
// the record's natural key.
func blobPath(user, collection, naturalKey, field string) string {
	sum := sha256.Sum256([]byte(naturalKey))
	return fmt.Sprintf("u/%s/%s/%s/%s", user, collection, hex.EncodeToString(sum[:8]), field)
}

func mergeFields(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
