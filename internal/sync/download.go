package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/pagekeep/pagekeep/internal/schema"
	"github.com/pagekeep/pagekeep/internal/store"
)

// DefaultPageSize bounds a pull when the caller does not say otherwise.
const DefaultPageSize = 50

// Pull reads one page of change-log rows after cursor and reverse-
// translates them into client-shaped updates.
//
// Create and modify rows are resolved against the *current* normalized
// state: a later edit shows up even through an older log row, and a row
// whose target has vanished is silently skipped (a delete row
// supersedes it). Delete rows are emitted unconditionally from the
// matcher stored on the row. Multiple rows touching the same entity all
// emit; the client apply step is idempotent, so the redundancy is
// harmless.
func (t *Translator) Pull(ctx context.Context, userID string, cursor int64, pageSize int) (*PullResult, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	o := newOps(t.store, userID, "", t.now)
	rows, err := o.findMany(ctx, schema.CollChangeLog,
		store.Filter{"createdWhen": store.Gt(cursor)},
		&store.FindOptions{Limit: pageSize, Order: []store.Order{{Field: "createdWhen"}}})
	if err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}

	result := &PullResult{LastSeen: cursor, MaybeHasMore: len(rows) == pageSize}
	for _, row := range rows {
		result.LastSeen = schema.I64(row, "createdWhen")

		switch schema.Str(row, "type") {
		case schema.ChangeCreate, schema.ChangeModify:
			update, ok, err := t.rowToOverwrite(ctx, o, row)
			if err != nil {
				return nil, err
			}
			if ok {
				result.Batch = append(result.Batch, update)
			}
		case schema.ChangeDelete:
			if update, ok := rowToDelete(row); ok {
				result.Batch = append(result.Batch, update)
			}
		}
	}
	return result, nil
}

// rowToOverwrite fetches the current snapshot of the entity a log row
// references and rebuilds the client shape by re-joining related rows.
// Returns ok=false when the entity is gone or has no client shape.
func (t *Translator) rowToOverwrite(ctx context.Context, o *ops, row map[string]any) (ClientUpdate, bool, error) {
	collection := schema.Str(row, "collection")
	objectID := schema.Str(row, "objectId")

	entity, err := o.findOne(ctx, collection, store.Filter{store.IDField: objectID})
	if errors.Is(err, store.ErrNotFound) {
		return ClientUpdate{}, false, nil
	}
	if err != nil {
		return ClientUpdate{}, false, err
	}

	var clientColl string
	var obj map[string]any
	switch collection {
	case schema.CollContentMetadata:
		clientColl, obj, err = t.pageShape(ctx, o, entity)
	case schema.CollContentRead:
		clientColl, obj, err = t.visitShape(ctx, o, entity)
	case schema.CollAnnotation:
		clientColl, obj, err = t.annotationShape(ctx, o, entity)
	case schema.CollTagConnection:
		clientColl, obj, err = t.tagShape(ctx, o, entity)
	case schema.CollList:
		clientColl, obj = schema.ClientCustomLists, listShape(entity)
	case schema.CollListEntry:
		clientColl, obj, err = t.listEntryShape(ctx, o, entity)
	case schema.CollListShare:
		clientColl, obj = schema.ClientSharedListMeta, listShareShape(entity)
	case schema.CollAnnotationShare:
		clientColl, obj, err = t.annotationShareShape(ctx, o, entity)
	case schema.CollAnnotPrivacy:
		clientColl, obj, err = t.privacyLevelShape(ctx, o, entity)
	case schema.CollTextTemplate:
		clientColl, obj = schema.ClientTemplates, templateShape(entity)
	default:
		// Locator, selector, and tag rows ride along with their owning
		// entity; device info never leaves the server. None have a
		// client shape of their own.
		return ClientUpdate{}, false, nil
	}
	if err != nil {
		return ClientUpdate{}, false, err
	}
	if obj == nil {
		return ClientUpdate{}, false, nil
	}
	return ClientUpdate{Type: UpdateOverwrite, Collection: clientColl, Object: obj}, true, nil
}

// deleteShapes maps normalized collections to the client collection a
// delete instruction addresses. Rows outside this table (cascade
// children such as locators and selectors) are skipped.
var deleteShapes = map[string]string{
	schema.CollContentMetadata: schema.ClientPages,
	schema.CollContentRead:     schema.ClientVisits,
	schema.CollAnnotation:      schema.ClientAnnotations,
	schema.CollTagConnection:   schema.ClientTags,
	schema.CollList:            schema.ClientCustomLists,
	schema.CollListEntry:       schema.ClientPageListEntries,
	schema.CollListShare:       schema.ClientSharedListMeta,
	schema.CollAnnotationShare: schema.ClientSharedAnnotMeta,
	schema.CollAnnotPrivacy:    schema.ClientAnnotPrivacyLevel,
	schema.CollTextTemplate:    schema.ClientTemplates,
}

func rowToDelete(row map[string]any) (ClientUpdate, bool) {
	clientColl, ok := deleteShapes[schema.Str(row, "collection")]
	if !ok {
		return ClientUpdate{}, false
	}
	info := schema.Map(row, "info")
	if info == nil {
		return ClientUpdate{}, false
	}
	return ClientUpdate{Type: UpdateDelete, Collection: clientColl, Where: info}, true
}

// primaryLocator finds the primary locator of a metadata row.
func (t *Translator) primaryLocator(ctx context.Context, o *ops, metaID string) (map[string]any, error) {
	return o.findOne(ctx, schema.CollContentLocator,
		store.Filter{"contentMetadata": metaID, "primary": true})
}

func (t *Translator) pageShape(ctx context.Context, o *ops, meta map[string]any) (string, map[string]any, error) {
	locator, err := t.primaryLocator(ctx, o, schema.Str(meta, store.IDField))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	location := schema.Str(locator, "location")
	obj := map[string]any{
		"url":         location,
		"fullUrl":     schema.Str(locator, "originalLocation"),
		"fullTitle":   schema.Str(meta, "title"),
		"domain":      schema.DomainOf(location),
		"lang":        schema.Str(meta, "lang"),
		"description": schema.Str(meta, "description"),
	}
	if body := schema.Str(meta, "pageContent"); body != "" {
		obj["pageContent"] = body
	}
	return schema.ClientPages, obj, nil
}

// pageURLOf resolves a metadata id to its primary location. Empty when
// the metadata or its locator is gone.
func (t *Translator) pageURLOf(ctx context.Context, o *ops, metaID string) (location, title string, err error) {
	meta, err := o.findOne(ctx, schema.CollContentMetadata, store.Filter{store.IDField: metaID})
	if errors.Is(err, store.ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	locator, err := t.primaryLocator(ctx, o, metaID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return schema.Str(locator, "location"), schema.Str(meta, "title"), nil
}

func (t *Translator) visitShape(ctx context.Context, o *ops, read map[string]any) (string, map[string]any, error) {
	location, _, err := t.pageURLOf(ctx, o, schema.Str(read, "contentMetadata"))
	if err != nil || location == "" {
		return "", nil, err
	}
	return schema.ClientVisits, map[string]any{
		"url":      location,
		"time":     schema.I64(read, "readWhen"),
		"duration": schema.I64(read, "readDuration"),
	}, nil
}

func (t *Translator) annotationShape(ctx context.Context, o *ops, ann map[string]any) (string, map[string]any, error) {
	location, title, err := t.pageURLOf(ctx, o, schema.Str(ann, "contentMetadata"))
	if err != nil || location == "" {
		return "", nil, err
	}
	obj := map[string]any{
		"url":         schema.JoinAnnotationURL(location, schema.Str(ann, "localId")),
		"pageUrl":     location,
		"pageTitle":   title,
		"body":        schema.Str(ann, "body"),
		"comment":     schema.Str(ann, "comment"),
		"createdWhen": schema.I64(ann, "createdWhen"),
		"lastEdited":  schema.I64(ann, "lastEdited"),
	}
	sel, err := o.findOne(ctx, schema.CollAnnotSelector,
		store.Filter{"annotation": schema.Str(ann, store.IDField)})
	if err == nil {
		obj["selector"] = schema.Map(sel, "selector")
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", nil, err
	}
	return schema.ClientAnnotations, obj, nil
}

// annotationURLOf rebuilds an annotation's composite client URL.
func (t *Translator) annotationURLOf(ctx context.Context, o *ops, ann map[string]any) (string, error) {
	location, _, err := t.pageURLOf(ctx, o, schema.Str(ann, "contentMetadata"))
	if err != nil || location == "" {
		return "", err
	}
	return schema.JoinAnnotationURL(location, schema.Str(ann, "localId")), nil
}

func (t *Translator) tagShape(ctx context.Context, o *ops, conn map[string]any) (string, map[string]any, error) {
	tag, err := o.findOne(ctx, schema.CollTag, store.Filter{store.IDField: schema.Str(conn, "tag")})
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	// The connection target is a polymorphic (collection, objectId) key:
	// either content metadata or an annotation.
	var url string
	switch schema.Str(conn, "collection") {
	case schema.CollAnnotation:
		ann, err := o.findOne(ctx, schema.CollAnnotation,
			store.Filter{store.IDField: schema.Str(conn, "objectId")})
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		url, err = t.annotationURLOf(ctx, o, ann)
		if err != nil {
			return "", nil, err
		}
	case schema.CollContentMetadata:
		location, _, err := t.pageURLOf(ctx, o, schema.Str(conn, "objectId"))
		if err != nil {
			return "", nil, err
		}
		url = location
	}
	if url == "" {
		return "", nil, nil
	}
	return schema.ClientTags, map[string]any{"name": schema.Str(tag, "name"), "url": url}, nil
}

func listShape(list map[string]any) map[string]any {
	return map[string]any{
		"id":             schema.I64(list, "localId"),
		"name":           schema.Str(list, "name"),
		"searchableName": schema.Str(list, "searchableName"),
		"isDeletable":    schema.Bool(list, "isDeletable"),
		"isNestable":     schema.Bool(list, "isNestable"),
		"createdAt":      schema.I64(list, "createdAt"),
	}
}

func (t *Translator) listEntryShape(ctx context.Context, o *ops, entry map[string]any) (string, map[string]any, error) {
	list, err := o.findOne(ctx, schema.CollList, store.Filter{store.IDField: schema.Str(entry, "list")})
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	location, _, err := t.pageURLOf(ctx, o, schema.Str(entry, "contentMetadata"))
	if err != nil || location == "" {
		return "", nil, err
	}
	return schema.ClientPageListEntries, map[string]any{
		"listId":    schema.I64(list, "localId"),
		"pageUrl":   location,
		"fullUrl":   schema.Str(entry, "originalUrl"),
		"createdAt": schema.I64(entry, "createdAt"),
	}, nil
}

func listShareShape(share map[string]any) map[string]any {
	return map[string]any{
		"localId":  schema.I64(share, "localId"),
		"remoteId": schema.Str(share, "remoteId"),
		"private":  schema.Bool(share, "private"),
	}
}

func (t *Translator) annotationShareShape(ctx context.Context, o *ops, share map[string]any) (string, map[string]any, error) {
	ann, err := o.findOne(ctx, schema.CollAnnotation,
		store.Filter{store.IDField: schema.Str(share, "annotation")})
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	url, err := t.annotationURLOf(ctx, o, ann)
	if err != nil || url == "" {
		return "", nil, err
	}
	return schema.ClientSharedAnnotMeta, map[string]any{
		"localId":          url,
		"remoteId":         schema.Str(share, "remoteId"),
		"excludeFromLists": schema.Bool(share, "excludeFromLists"),
	}, nil
}

func (t *Translator) privacyLevelShape(ctx context.Context, o *ops, level map[string]any) (string, map[string]any, error) {
	ann, err := o.findOne(ctx, schema.CollAnnotation,
		store.Filter{store.IDField: schema.Str(level, "annotation")})
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	url, err := t.annotationURLOf(ctx, o, ann)
	if err != nil || url == "" {
		return "", nil, err
	}
	return schema.ClientAnnotPrivacyLevel, map[string]any{
		"annotation":   url,
		"privacyLevel": schema.I64(level, "privacyLevel"),
	}, nil
}

func templateShape(tpl map[string]any) map[string]any {
	return map[string]any{
		"id":          schema.I64(tpl, "localId"),
		"title":       schema.Str(tpl, "title"),
		"code":        schema.Str(tpl, "code"),
		"isFavourite": schema.Bool(tpl, "isFavourite"),
	}
}
