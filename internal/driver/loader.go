package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"envelope-engine/internal/gate"
)

var versionFileRe = regexp.MustCompile(`^v([\d.]+)\.ya?ml$`)

// Loader reads driver definitions from a directory tree laid out as
// <id>/v<version>.yaml, with a flat <id>.yaml fallback treated as 1.0.0.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads, composes and validates one definition. An empty version
// resolves to the newest version on disk.
func (l *Loader) Load(id, version string) (*Driver, error) {
	raw, err := l.loadRaw(id, version, []string{id})
	if err != nil {
		return nil, err
	}
	return l.parse(raw, id)
}

// Ref identifies one available definition.
type Ref struct {
	ID      string
	Version string
}

// List enumerates every definition under the driver directory.
func (l *Loader) List() ([]Ref, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read driver dir: %w", err)
	}

	var refs []Ref
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			files, err := os.ReadDir(filepath.Join(l.dir, name))
			if err != nil {
				return nil, fmt.Errorf("read driver dir %s: %w", name, err)
			}
			for _, file := range files {
				if m := versionFileRe.FindStringSubmatch(file.Name()); m != nil {
					refs = append(refs, Ref{ID: name, Version: m[1]})
				}
			}
			continue
		}
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			id := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
			refs = append(refs, Ref{ID: id, Version: "1.0.0"})
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ID != refs[j].ID {
			return refs[i].ID < refs[j].ID
		}
		return compareVersions(refs[i].Version, refs[j].Version) < 0
	})
	return refs, nil
}

// loadRaw reads one definition and resolves its extends chain. seen carries
// the ids already on the composition stack for circular detection.
func (l *Loader) loadRaw(id, version string, seen []string) (map[string]any, error) {
	path, err := l.resolvePath(id, version)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read driver %s: %w", id, err)
	}

	var data map[string]any
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, &InvalidError{ID: id, Reason: "malformed YAML: " + err.Error()}
	}

	extends, _ := data["extends"].([]any)
	delete(data, "extends")
	if len(extends) == 0 {
		return data, nil
	}

	merged := map[string]any{}
	for _, parentRef := range extends {
		ref, _ := parentRef.(string)
		parentID, parentVersion := splitRef(ref)

		for _, ancestor := range seen {
			if ancestor == parentID {
				return nil, &InvalidError{
					ID:     id,
					Reason: "circular extends: " + strings.Join(append(seen, parentID), " -> "),
				}
			}
		}

		parent, err := l.loadRaw(parentID, parentVersion, append(seen, parentID))
		if err != nil {
			return nil, err
		}
		merged = mergeDefinitions(merged, parent)
	}

	return mergeDefinitions(merged, data), nil
}

func splitRef(ref string) (string, string) {
	if id, version, ok := strings.Cut(ref, "@"); ok {
		return id, version
	}
	return ref, ""
}

func (l *Loader) resolvePath(id, version string) (string, error) {
	if version != "" {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(l.dir, id, "v"+version+ext)
			if fileExists(path) {
				return path, nil
			}
		}
		return "", &NotFoundError{ID: id, Version: version}
	}

	// Latest versioned file wins; flat file is the fallback.
	if files, err := os.ReadDir(filepath.Join(l.dir, id)); err == nil {
		best := ""
		bestVersion := ""
		for _, file := range files {
			if m := versionFileRe.FindStringSubmatch(file.Name()); m != nil {
				if best == "" || compareVersions(m[1], bestVersion) > 0 {
					best = file.Name()
					bestVersion = m[1]
				}
			}
		}
		if best != "" {
			return filepath.Join(l.dir, id, best), nil
		}
	}

	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(l.dir, id+ext)
		if fileExists(path) {
			return path, nil
		}
	}

	return "", &NotFoundError{ID: id}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// compareVersions orders dotted numeric versions; unequal segment counts
// compare as if padded with zeros.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}

// mergeDefinitions layers an overlay definition on a base. Registry-style
// sections merge by their key field with the overlay winning; scalar driver
// metadata merges overlay-wins.
func mergeDefinitions(base, overlay map[string]any) map[string]any {
	if len(base) == 0 {
		return overlay
	}

	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for _, section := range []string{"driver", "payload", "audit", "manifest"} {
		if over, ok := overlay[section].(map[string]any); ok {
			baseSection, _ := result[section].(map[string]any)
			result[section] = shallowMerge(baseSection, over)
		}
	}

	mergeRegistry(result, overlay, "documents", "registry", "type")
	mergeRegistry(result, overlay, "checklist", "template", "key")
	mergeRegistry(result, overlay, "signals", "definitions", "key")
	mergeRegistry(result, overlay, "gates", "definitions", "key")

	return result
}

func shallowMerge(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func mergeRegistry(result, overlay map[string]any, section, listKey, keyField string) {
	overSection, ok := overlay[section].(map[string]any)
	if !ok {
		return
	}
	overList, ok := overSection[listKey].([]any)
	if !ok {
		return
	}

	var baseList []any
	if baseSection, ok := result[section].(map[string]any); ok {
		baseList, _ = baseSection[listKey].([]any)
	}

	indexed := []any{}
	positions := map[string]int{}
	appendItem := func(item any) {
		entry, ok := item.(map[string]any)
		if !ok {
			return
		}
		key, _ := entry[keyField].(string)
		if pos, exists := positions[key]; exists {
			indexed[pos] = entry
			return
		}
		positions[key] = len(indexed)
		indexed = append(indexed, entry)
	}
	for _, item := range baseList {
		appendItem(item)
	}
	for _, item := range overList {
		appendItem(item)
	}

	result[section] = map[string]any{listKey: indexed}
}

// rawDriver mirrors the YAML definition layout.
type rawDriver struct {
	Driver struct {
		ID          string `yaml:"id"`
		Version     string `yaml:"version"`
		Title       string `yaml:"title"`
		Description string `yaml:"description"`
		Domain      string `yaml:"domain"`
	} `yaml:"driver"`
	Payload struct {
		Schema struct {
			ID     string         `yaml:"id"`
			Format string         `yaml:"format"`
			URI    string         `yaml:"uri"`
			Inline map[string]any `yaml:"inline"`
		} `yaml:"schema"`
		Storage struct {
			Mode          string `yaml:"mode"`
			PatchStrategy string `yaml:"patch_strategy"`
		} `yaml:"storage"`
	} `yaml:"payload"`
	Documents struct {
		Registry []struct {
			Type         string   `yaml:"type"`
			Title        string   `yaml:"title"`
			AllowedMimes []string `yaml:"allowed_mimes"`
			MaxSizeMB    int      `yaml:"max_size_mb"`
			Multiple     bool     `yaml:"multiple"`
		} `yaml:"registry"`
	} `yaml:"documents"`
	Checklist struct {
		Template []struct {
			Key             string `yaml:"key"`
			Label           string `yaml:"label"`
			Kind            string `yaml:"kind"`
			DocType         string `yaml:"doc_type"`
			PayloadPointer  string `yaml:"payload_pointer"`
			AttestationType string `yaml:"attestation_type"`
			SignalKey       string `yaml:"signal_key"`
			Required        *bool  `yaml:"required"`
			Review          string `yaml:"review"`
		} `yaml:"template"`
	} `yaml:"checklist"`
	Signals struct {
		Definitions []struct {
			Key            string `yaml:"key"`
			Type           string `yaml:"type"`
			Source         string `yaml:"source"`
			Default        bool   `yaml:"default"`
			Required       bool   `yaml:"required"`
			Category       string `yaml:"signal_category"`
			SystemSettable bool   `yaml:"system_settable"`
		} `yaml:"definitions"`
	} `yaml:"signals"`
	Gates struct {
		Definitions []struct {
			Key  string `yaml:"key"`
			Rule string `yaml:"rule"`
		} `yaml:"definitions"`
	} `yaml:"gates"`
}

func (l *Loader) parse(data map[string]any, id string) (*Driver, error) {
	if _, ok := data["driver"]; !ok {
		return nil, &InvalidError{ID: id, Reason: "missing 'driver' section"}
	}

	// Re-encode the merged map so the typed shape applies after composition.
	buf, err := yaml.Marshal(data)
	if err != nil {
		return nil, &InvalidError{ID: id, Reason: err.Error()}
	}
	var raw rawDriver
	if err := yaml.Unmarshal(buf, &raw); err != nil {
		return nil, &InvalidError{ID: id, Reason: err.Error()}
	}

	d := &Driver{
		ID:          raw.Driver.ID,
		Version:     raw.Driver.Version,
		Title:       raw.Driver.Title,
		Description: raw.Driver.Description,
		Domain:      raw.Driver.Domain,

		SchemaID:      raw.Payload.Schema.ID,
		SchemaFormat:  raw.Payload.Schema.Format,
		InlineSchema:  raw.Payload.Schema.Inline,
		schemaURI:     raw.Payload.Schema.URI,
		StorageMode:   raw.Payload.Storage.Mode,
		PatchStrategy: raw.Payload.Storage.PatchStrategy,
	}
	if d.ID == "" {
		d.ID = id
	}
	if d.Version == "" {
		d.Version = "1.0.0"
	}
	if d.Title == "" {
		d.Title = d.ID
	}
	if d.SchemaID == "" {
		d.SchemaID = "default"
	}
	if d.SchemaFormat == "" {
		d.SchemaFormat = "json_schema"
	}
	if d.StorageMode == "" {
		d.StorageMode = "versioned"
	}
	if d.PatchStrategy == "" {
		d.PatchStrategy = "merge"
	}

	for _, doc := range raw.Documents.Registry {
		entry := DocumentType{
			Type:         doc.Type,
			Title:        doc.Title,
			AllowedMimes: doc.AllowedMimes,
			MaxSizeMB:    doc.MaxSizeMB,
			Multiple:     doc.Multiple,
		}
		if entry.Title == "" {
			entry.Title = entry.Type
		}
		if len(entry.AllowedMimes) == 0 {
			entry.AllowedMimes = []string{"application/pdf", "image/jpeg", "image/png"}
		}
		if entry.MaxSizeMB == 0 {
			entry.MaxSizeMB = 10
		}
		d.Documents = append(d.Documents, entry)
	}

	for _, item := range raw.Checklist.Template {
		kind := ChecklistItemKind(item.Kind)
		if !kind.Valid() {
			return nil, &InvalidError{ID: id, Reason: fmt.Sprintf("checklist item %q: unknown kind %q", item.Key, item.Kind)}
		}
		review := ReviewMode(item.Review)
		if item.Review == "" {
			review = ReviewNone
		}
		if !review.Valid() {
			return nil, &InvalidError{ID: id, Reason: fmt.Sprintf("checklist item %q: unknown review mode %q", item.Key, item.Review)}
		}
		required := true
		if item.Required != nil {
			required = *item.Required
		}
		d.Checklist = append(d.Checklist, ChecklistTemplateItem{
			Key:             item.Key,
			Label:           item.Label,
			Kind:            kind,
			DocType:         item.DocType,
			PayloadPointer:  item.PayloadPointer,
			AttestationType: item.AttestationType,
			SignalKey:       item.SignalKey,
			Required:        required,
			Review:          review,
		})
	}

	for _, sig := range raw.Signals.Definitions {
		def := SignalDefinition{
			Key:            sig.Key,
			Type:           sig.Type,
			Source:         SignalSource(sig.Source),
			Default:        sig.Default,
			Required:       sig.Required,
			Category:       sig.Category,
			SystemSettable: sig.SystemSettable,
		}
		if def.Type == "" {
			def.Type = "boolean"
		}
		if def.Source == "" {
			def.Source = SourceHost
		}
		if def.Category == "" {
			def.Category = "decision"
		}
		d.Signals = append(d.Signals, def)
	}

	for _, g := range raw.Gates.Definitions {
		compiled, err := gate.Compile(g.Key, g.Rule)
		if err != nil {
			return nil, &InvalidError{ID: id, Reason: fmt.Sprintf("gate %q: %v", g.Key, err)}
		}
		d.Gates = append(d.Gates, Gate{Key: g.Key, Rule: g.Rule, compiled: compiled})
	}

	if err := checkGateOrder(d); err != nil {
		return nil, &InvalidError{ID: id, Reason: err.Error()}
	}

	if err := l.loadExternalSchema(d); err != nil {
		return nil, err
	}

	return d, nil
}

// checkGateOrder rejects gate rules referencing gates declared later (or not
// at all). A forward reference would silently evaluate false, turning a
// config mistake into a business decision.
func checkGateOrder(d *Driver) error {
	declared := map[string]bool{}
	for _, g := range d.Gates {
		for _, ref := range g.compiled.GateRefs() {
			if !declared[ref] {
				return fmt.Errorf("gate %q references gate %q before it is declared", g.Key, ref)
			}
		}
		declared[g.Key] = true
	}
	return nil
}

func (l *Loader) loadExternalSchema(d *Driver) error {
	if d.InlineSchema != nil {
		return nil
	}

	// Schema file path comes from payload.schema.uri, relative to the
	// driver's directory.
	uri := strings.TrimSpace(d.schemaURI)
	if uri == "" {
		return nil
	}

	path := filepath.Join(l.dir, d.ID, uri)
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &InvalidError{ID: d.ID, Reason: "schema file not found: " + uri}
		}
		return fmt.Errorf("read schema %s: %w", uri, err)
	}

	var schema map[string]any
	if err := json.Unmarshal(content, &schema); err != nil {
		return &InvalidError{ID: d.ID, Reason: "malformed schema JSON: " + err.Error()}
	}
	d.InlineSchema = schema
	return nil
}
