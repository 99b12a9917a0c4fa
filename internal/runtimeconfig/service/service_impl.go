package service

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/cache"
	"github.com/nexfon/cbg/internal/config"
	"github.com/nexfon/cbg/internal/integrity"
	rcdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	"github.com/nexfon/cbg/pkg/repository"
)

const cacheTTL = 5 * time.Minute

var prefixToken = regexp.MustCompile(`^\+?\d+$`)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config *config.Config
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	secret string
	repo   repository.Repository[rcdomain.RuntimeConfig]
	values *cache.TTLCache[string, string]
}

func NewService(p ServiceParam) rcdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("runtimeconfig.service"),
		secret: p.Config.SecretKey,
		repo:   repository.ProvideStore[rcdomain.RuntimeConfig](p.DB),
		values: cache.NewTTLCache[string, string](),
	}
}

func (s *Service) List(ctx context.Context) ([]rcdomain.RuntimeConfig, error) {
	items, err := s.repo.Find(ctx, &rcdomain.RuntimeConfig{})
	if err != nil {
		return nil, err
	}

	configs := make([]rcdomain.RuntimeConfig, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		configs = append(configs, *item)
	}
	return configs, nil
}

func (s *Service) Get(ctx context.Context, key rcdomain.Key) (rcdomain.RuntimeConfig, error) {
	if _, ok := rcdomain.Schema[key]; !ok {
		return rcdomain.RuntimeConfig{}, rcdomain.ErrUnknownKey
	}

	item, err := s.repo.FindOne(ctx, &rcdomain.RuntimeConfig{ItemKey: key})
	if err != nil {
		return rcdomain.RuntimeConfig{}, err
	}
	if item == nil {
		return rcdomain.RuntimeConfig{}, rcdomain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) GetInt(ctx context.Context, key rcdomain.Key) (int, error) {
	value, err := s.value(ctx, key)
	if err != nil {
		return 0, err
	}

	n, convErr := strconv.Atoi(value)
	if convErr != nil || n < 0 {
		fallback, _ := strconv.Atoi(rcdomain.Schema[key].Default)
		s.log.Warn("runtime config value not numeric, using default",
			zap.String("key", string(key)),
			zap.String("value", value),
			zap.Int("default", fallback))
		return fallback, nil
	}
	return n, nil
}

func (s *Service) GetPrefixes(ctx context.Context, key rcdomain.Key) ([]string, error) {
	value, err := s.value(ctx, key)
	if err != nil {
		return nil, err
	}
	return splitPrefixes(value), nil
}

func (s *Service) Save(ctx context.Context, key rcdomain.Key, value string) (rcdomain.RuntimeConfig, error) {
	schema, ok := rcdomain.Schema[key]
	if !ok {
		return rcdomain.RuntimeConfig{}, rcdomain.ErrUnknownKey
	}

	normalized, err := normalize(schema.Kind, value)
	if err != nil {
		return rcdomain.RuntimeConfig{}, err
	}

	var saved rcdomain.RuntimeConfig
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row rcdomain.RuntimeConfig
		result := tx.Raw(
			`SELECT * FROM runtime_configs WHERE item_key = ? FOR UPDATE`,
			string(key),
		).Scan(&row)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			row = rcdomain.RuntimeConfig{ID: uuid.New(), ItemKey: key}
		}
		row.ItemValue = normalized
		row.Checksum = integrity.Checksum(s.secret, row)

		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		saved = row
		return nil
	})
	if err != nil {
		return rcdomain.RuntimeConfig{}, err
	}

	s.values.Delete(string(key))
	return saved, nil
}

func (s *Service) Reconcile(ctx context.Context) (int, int, error) {
	inserted, pruned := 0, 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []rcdomain.RuntimeConfig
		if err := tx.Find(&rows).Error; err != nil {
			return err
		}

		present := make(map[rcdomain.Key]bool, len(rows))
		for _, row := range rows {
			if _, ok := rcdomain.Schema[row.ItemKey]; !ok {
				if err := tx.Delete(&rcdomain.RuntimeConfig{}, "id = ?", row.ID).Error; err != nil {
					return err
				}
				pruned++
				continue
			}
			present[row.ItemKey] = true
		}

		for key, schema := range rcdomain.Schema {
			if present[key] {
				continue
			}
			row := rcdomain.RuntimeConfig{
				ID:        uuid.New(),
				ItemKey:   key,
				ItemValue: schema.Default,
			}
			row.Checksum = integrity.Checksum(s.secret, row)
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	s.values.Purge()
	s.log.Info("runtime configs reconciled",
		zap.Int("inserted", inserted),
		zap.Int("pruned", pruned))
	return inserted, pruned, nil
}

func (s *Service) value(ctx context.Context, key rcdomain.Key) (string, error) {
	schema, ok := rcdomain.Schema[key]
	if !ok {
		return "", rcdomain.ErrUnknownKey
	}

	if cached, ok := s.values.Get(string(key)); ok {
		return cached, nil
	}

	item, err := s.repo.FindOne(ctx, &rcdomain.RuntimeConfig{ItemKey: key})
	if err != nil {
		return "", err
	}

	value := schema.Default
	if item != nil {
		value = item.ItemValue
	}
	s.values.Set(string(key), value, cacheTTL)
	return value, nil
}

func normalize(kind rcdomain.Kind, value string) (string, error) {
	switch kind {
	case rcdomain.KindNumeric:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return "", rcdomain.ErrInvalidValue
		}
		if n < 0 {
			n = 0
		}
		return strconv.Itoa(n), nil
	case rcdomain.KindPrefixList:
		tokens := splitPrefixes(value)
		if len(tokens) == 0 {
			return "", rcdomain.ErrInvalidValue
		}
		return strings.Join(tokens, ","), nil
	}
	return "", rcdomain.ErrInvalidValue
}

func splitPrefixes(value string) []string {
	parts := strings.Split(value, ",")
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(part)
		if token == "" || !prefixToken.MatchString(token) {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}
