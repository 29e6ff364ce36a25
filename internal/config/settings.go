package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
)

// Settings is the operator editable configuration persisted next to the
// service. JSON and YAML files share the same keys.
type Settings struct {
	DBDriver         string      `json:"db_driver" yaml:"db_driver"`
	DBHost           string      `json:"db_host" yaml:"db_host"`
	DBPort           int         `json:"db_port,omitempty" yaml:"db_port,omitempty"`
	DBUser           string      `json:"db_user" yaml:"db_user"`
	DBPassword       string      `json:"db_password" yaml:"db_password"`
	DBDatabase       string      `json:"db_database" yaml:"db_database"`
	ImgBasePath      string      `json:"img_base_path" yaml:"img_base_path"`
	ImgPathMode      string      `json:"img_path_mode" yaml:"img_path_mode"`
	ImgPathField     string      `json:"img_path_field" yaml:"img_path_field"`
	ImgFullPathField string      `json:"img_full_path_field" yaml:"img_full_path_field"`
	DefaultSQL       string      `json:"default_sql" yaml:"default_sql"`
	ID2Name          CategoryMap `json:"id2name" yaml:"id2name"`
}

func DefaultSettings() Settings {
	return Settings{
		DBDriver:         "mysql",
		DBHost:           "localhost",
		DBUser:           "root",
		DBPassword:       "12345678",
		DBDatabase:       "vision_backend",
		ImgBasePath:      "E:/magic_fox_ai_20250826/resources/backend/local_file/",
		ImgPathMode:      domain.ImagePathConcat,
		ImgPathField:     domain.ColumnOriginObjectKey,
		ImgFullPathField: domain.ColumnLocalPicURL,
		DefaultSQL:       "SELECT * FROM `product_detection_detail_result` WHERE ext like '%脏污%' AND c_time BETWEEN '${START_TIME}' AND '${END_TIME}'",
		ID2Name:          DefaultCategoryMap(),
	}
}

// CategoryMap keeps id2name entries in file order so duplicate names
// resolve to the last entry.
type CategoryMap struct {
	Pairs []domain.CategoryPair
	// Invalid is set when the value was present but not a mapping.
	Invalid bool
}

func DefaultCategoryMap() CategoryMap {
	table := domain.DefaultCategoryTable()
	pairs := make([]domain.CategoryPair, 0, table.Len())
	for _, c := range table.Entries() {
		pairs = append(pairs, domain.CategoryPair{Key: strconv.Itoa(c.ID), Name: c.Name})
	}
	return CategoryMap{Pairs: pairs}
}

func (m *CategoryMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		m.Pairs = nil
		m.Invalid = true
		return nil
	}
	pairs := make([]domain.CategoryPair, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			m.Pairs = nil
			m.Invalid = true
			return nil
		}
		pairs = append(pairs, domain.CategoryPair{Key: key.Value, Name: val.Value})
	}
	m.Pairs = pairs
	m.Invalid = false
	return nil
}

func (m CategoryMap) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, p := range m.Pairs {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p.Name},
		)
	}
	return node, nil
}

func (m CategoryMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range m.Pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := marshalNoEscape(p.Key)
		if err != nil {
			return nil, err
		}
		v, err := marshalNoEscape(p.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON walks the object token by token to keep key order.
func (m *CategoryMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		m.Pairs = nil
		m.Invalid = true
		return nil
	}
	pairs := make([]domain.CategoryPair, 0)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			m.Pairs = nil
			m.Invalid = true
			return nil
		}
		pairs = append(pairs, domain.CategoryPair{Key: key, Name: name})
	}
	m.Pairs = pairs
	m.Invalid = false
	return nil
}

func marshalNoEscape(v string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeSettings overlays a JSON or YAML document onto base and reports
// which top-level keys were present.
func DecodeSettings(data []byte, base Settings) (Settings, map[string]bool, error) {
	out := base
	out.ID2Name = CategoryMap{Pairs: append([]domain.CategoryPair(nil), base.ID2Name.Pairs...)}
	present := map[string]bool{}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return out, present, nil
	}

	if trimmed[0] == '{' {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &keys); err != nil {
			return base, nil, fmt.Errorf("parse settings: %w", err)
		}
		for k := range keys {
			present[k] = true
		}
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return base, nil, fmt.Errorf("decode settings: %w", err)
		}
		return out, present, nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal(trimmed, &root); err != nil {
		return base, nil, fmt.Errorf("parse settings: %w", err)
	}
	if len(root.Content) == 0 {
		return out, present, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return base, nil, fmt.Errorf("parse settings: expected a mapping")
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		present[doc.Content[i].Value] = true
	}
	if err := doc.Decode(&out); err != nil {
		return base, nil, fmt.Errorf("decode settings: %w", err)
	}
	return out, present, nil
}

// Categories builds the category table, falling back to the built-in one
// when id2name is unusable.
func (s Settings) Categories() (*domain.CategoryTable, error) {
	if s.ID2Name.Invalid {
		return domain.DefaultCategoryTable(), errors.New("id2name is not a mapping")
	}
	table, err := domain.ParseCategoryTable(s.ID2Name.Pairs)
	if err != nil {
		return domain.DefaultCategoryTable(), err
	}
	return table, nil
}

func (s Settings) ImagePaths() domain.ImagePathSettings {
	return domain.ImagePathSettings{
		Mode:          s.ImgPathMode,
		BasePath:      s.ImgBasePath,
		PathField:     s.ImgPathField,
		FullPathField: s.ImgFullPathField,
	}
}

// ApplyEnv lets DB_* variables win over the settings file.
func (s Settings) ApplyEnv(cfg Config) Settings {
	if cfg.DBDriver != "" {
		s.DBDriver = cfg.DBDriver
	}
	if cfg.DBHost != "" {
		s.DBHost = cfg.DBHost
	}
	if cfg.DBPort > 0 {
		s.DBPort = cfg.DBPort
	}
	if cfg.DBUser != "" {
		s.DBUser = cfg.DBUser
	}
	if cfg.DBPassword != "" {
		s.DBPassword = cfg.DBPassword
	}
	if cfg.DBDatabase != "" {
		s.DBDatabase = cfg.DBDatabase
	}
	return s
}

// ValidateSettingsUpdate enforces the fields an operator must send when saving settings.
func ValidateSettingsUpdate(present map[string]bool, s Settings) error {
	for _, field := range []string{"db_host", "db_user", "db_password", "db_database"} {
		if !present[field] {
			return fmt.Errorf("missing required field: %s", field)
		}
	}
	mode := s.ImgPathMode
	if !present["img_path_mode"] {
		mode = domain.ImagePathConcat
	}
	if mode == domain.ImagePathConcat && !present["img_base_path"] {
		return errors.New("img_base_path is required in concat mode")
	}
	return nil
}

// Store holds the settings in effect and persists updates.
type Store struct {
	path   string
	logger *slog.Logger

	mu         sync.RWMutex
	settings   Settings
	categories *domain.CategoryTable
}

// LoadStore reads path, merging it over the defaults. A missing or broken
// file yields the defaults.
func LoadStore(path string, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}

	settings := DefaultSettings()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		logger.Warn("settings_read_failed", "path", path, "error", err)
	default:
		loaded, _, err := DecodeSettings(data, settings)
		if err != nil {
			logger.Warn("settings_invalid", "path", path, "error", err)
		} else {
			settings = loaded
		}
	}
	s.set(settings.ApplyEnv(cfg))
	return s
}

func (s *Store) set(settings Settings) {
	categories, err := settings.Categories()
	if err != nil {
		s.logger.Warn("id2name_invalid_using_default", "error", err)
	}
	s.mu.Lock()
	s.settings = settings
	s.categories = categories
	s.mu.Unlock()
}

func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Store) ImagePaths() domain.ImagePathSettings {
	return s.Current().ImagePaths()
}

func (s *Store) Categories() *domain.CategoryTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.categories
}

// Update persists settings and makes them current.
func (s *Store) Update(settings Settings) error {
	data, err := encodeSettings(s.path, settings)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	s.set(settings)
	return nil
}

func encodeSettings(path string, settings Settings) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		out, err := yaml.Marshal(settings)
		if err != nil {
			return nil, fmt.Errorf("encode settings: %w", err)
		}
		return out, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(settings); err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadCategories reads a category table from a settings file carrying an
// id2name key or from a bare id to name mapping, in JSON or YAML.
func LoadCategories(path string) (*domain.CategoryTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read categories: %w", err)
	}
	base := Settings{}
	settings, present, err := DecodeSettings(data, base)
	if err != nil {
		return nil, err
	}
	if present["id2name"] {
		return strictCategories(settings.ID2Name)
	}

	var bare CategoryMap
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &bare)
	} else {
		err = yaml.Unmarshal(trimmed, &bare)
	}
	if err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	return strictCategories(bare)
}

func strictCategories(m CategoryMap) (*domain.CategoryTable, error) {
	if m.Invalid {
		return nil, errors.New("categories must be a mapping of id to name")
	}
	return domain.ParseCategoryTable(m.Pairs)
}
