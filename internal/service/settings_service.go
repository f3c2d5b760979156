package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"tradeengine/internal/models"
	"tradeengine/internal/repository"
	"tradeengine/pkg/utils"
)

// Ошибки сервиса настроек
var (
	// ErrVersionConflict - настройки изменились после того, как клиент их прочитал
	ErrVersionConflict = errors.New("settings version conflict")
	ErrNotLoaded       = errors.New("settings not loaded")
)

// SettingsService - источник текущих риск-настроек.
//
// Текущая версия лежит в atomic.Pointer: чтения не блокируются, обновление
// публикует новый снимок целиком. Решение, начатое на старом снимке,
// дорабатывает на нём. Обновления сериализуются мьютексом, версия
// монотонно растёт и записывается в историю до публикации.
type SettingsService struct {
	repo    SettingsRepositoryInterface
	log     *utils.Logger
	current atomic.Pointer[models.Settings]

	updateMu sync.Mutex

	subMu       sync.RWMutex
	subscribers []func(models.Settings)
}

// NewSettingsService создает новый экземпляр SettingsService.
func NewSettingsService(repo SettingsRepositoryInterface, log *utils.Logger) *SettingsService {
	if log == nil {
		log = utils.L()
	}
	return &SettingsService{
		repo: repo,
		log:  log.WithComponent("settings"),
	}
}

// Load читает последнюю версию из хранилища.
//
// Если истории нет, записывает seed (или значения по умолчанию) как версию 1.
func (s *SettingsService) Load(ctx context.Context, seed *models.Settings) error {
	latest, err := s.repo.Latest(ctx)
	switch {
	case err == nil:
		if verr := latest.Validate(); verr != nil {
			return fmt.Errorf("stored settings v%d are invalid: %w", latest.Version, verr)
		}
		s.current.Store(latest)
		s.log.Info("settings loaded", utils.Int64("version", latest.Version))
		return nil
	case !errors.Is(err, repository.ErrSettingsNotFound):
		return fmt.Errorf("failed to load settings: %w", err)
	}

	initial := models.DefaultSettings()
	if seed != nil {
		initial = seed.Clone()
	}
	if err := initial.Validate(); err != nil {
		return err
	}
	initial.Version = 1
	initial.UpdatedAt = time.Now().UTC()

	if err := s.repo.Insert(ctx, &initial); err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}

	s.current.Store(&initial)
	s.log.Info("settings seeded", utils.Int64("version", initial.Version))
	return nil
}

// Current возвращает копию текущих настроек
func (s *SettingsService) Current() models.Settings {
	p := s.current.Load()
	if p == nil {
		return models.DefaultSettings()
	}
	return p.Clone()
}

// Version - номер текущей версии (0, если не загружены)
func (s *SettingsService) Version() int64 {
	if p := s.current.Load(); p != nil {
		return p.Version
	}
	return 0
}

// UpdateSettingsRequest - запрос на замену настроек.
//
// Настройки заменяются целиком. IfMatch, если задан, должен совпасть с
// текущей версией (заголовок If-Match в API).
type UpdateSettingsRequest struct {
	IfMatch  *int64
	Settings models.Settings
}

// Update валидирует, увеличивает версию, сохраняет и публикует новые настройки
func (s *SettingsService) Update(ctx context.Context, req UpdateSettingsRequest) (models.Settings, error) {
	if err := req.Settings.Validate(); err != nil {
		return models.Settings{}, err
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return models.Settings{}, ErrNotLoaded
	}
	if req.IfMatch != nil && *req.IfMatch != cur.Version {
		return models.Settings{}, fmt.Errorf("%w: have v%d, client sent v%d", ErrVersionConflict, cur.Version, *req.IfMatch)
	}

	next := req.Settings.Clone()
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()

	if err := s.repo.Insert(ctx, &next); err != nil {
		if errors.Is(err, repository.ErrSettingsVersionExists) {
			return models.Settings{}, fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return models.Settings{}, fmt.Errorf("failed to persist settings: %w", err)
	}

	s.current.Store(&next)
	s.log.Info("settings updated",
		utils.Int64("version", next.Version),
		utils.Float64("daily_loss_limit_pct", next.DailyLossLimitPct),
		utils.Bool("reversal_enabled", next.ReversalEnabled),
	)

	s.notify(next.Clone())
	return next.Clone(), nil
}

// Subscribe регистрирует получателя новых снимков настроек.
// Вызывается синхронно после публикации, поэтому fn не должен блокироваться.
func (s *SettingsService) Subscribe(fn func(models.Settings)) {
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.subMu.Unlock()
}

func (s *SettingsService) notify(snapshot models.Settings) {
	s.subMu.RLock()
	subs := append([]func(models.Settings){}, s.subscribers...)
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(snapshot.Clone())
	}
}

// History возвращает последние версии настроек
func (s *SettingsService) History(ctx context.Context, limit int) ([]*models.Settings, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.History(ctx, limit)
}

// ============================================================
// YAML seed / export
// ============================================================

// LoadSeedFile читает начальные настройки из YAML.
// Незаданные поля берутся из значений по умолчанию.
func LoadSeedFile(path string) (*models.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	seed := models.DefaultSettings()
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// ExportYAML пишет текущие настройки в формате seed-файла
func (s *SettingsService) ExportYAML(w io.Writer) error {
	cur := s.Current()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if _, err := fmt.Fprintf(w, "# settings version %d, exported %s\n", cur.Version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := enc.Encode(cur); err != nil {
		return err
	}
	return enc.Close()
}
