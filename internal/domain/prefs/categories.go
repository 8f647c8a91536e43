package prefs

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"clofri/internal/infra/logger"
	"clofri/internal/infra/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	categoriesBucket = "friend_categories"

	keyCategories  = "categories"
	keyAssignments = "assignments"
)

var (
	ErrCategoryNotFound = errors.New("prefs: category not found")
	ErrCategoryName     = errors.New("prefs: category name is empty")
)

// Цвета назначаются по кругу в порядке создания.
var categoryColors = []string{"blue", "green", "purple", "pink", "amber", "cyan", "red", "emerald"}

// Category — локальная категория друзей.
type Category struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Categories — категории друзей и их назначения (friendship_id -> category_id).
// Видны только локальному пользователю. Потокобезопасен.
type Categories struct {
	kv *storage.KV

	mu          sync.RWMutex
	list        []Category
	assignments map[string]string
}

// OpenCategories загружает категории из kv; битые данные заменяются пустыми.
func OpenCategories(kv *storage.KV) *Categories {
	c := &Categories{kv: kv, assignments: make(map[string]string)}
	if kv == nil {
		return c
	}
	if _, err := kv.Get(categoriesBucket, keyCategories, &c.list); err != nil {
		logger.Warn("prefs: categories load failed", zap.Error(err))
		c.list = nil
	}
	var assignments map[string]string
	if _, err := kv.Get(categoriesBucket, keyAssignments, &assignments); err != nil {
		logger.Warn("prefs: category assignments load failed", zap.Error(err))
	}
	for friendshipID, categoryID := range assignments {
		if c.indexLocked(categoryID) >= 0 {
			c.assignments[friendshipID] = categoryID
		}
	}
	return c
}

// List возвращает категории в порядке создания.
func (c *Categories) List() []Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.list)
}

// Assignments возвращает копию назначений.
func (c *Categories) Assignments() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.assignments))
	for k, v := range c.assignments {
		out[k] = v
	}
	return out
}

// Add создаёт категорию со следующим цветом палитры.
func (c *Categories) Add(name string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, ErrCategoryName
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cat := Category{
		ID:    uuid.NewString(),
		Name:  name,
		Color: categoryColors[len(c.list)%len(categoryColors)],
	}
	c.list = append(c.list, cat)
	return cat, c.saveLocked(keyCategories)
}

// Rename меняет имя категории.
func (c *Categories) Rename(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrCategoryName
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return ErrCategoryNotFound
	}
	c.list[i].Name = name
	return c.saveLocked(keyCategories)
}

// Remove удаляет категорию вместе со всеми её назначениями.
func (c *Categories) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return ErrCategoryNotFound
	}
	c.list = slices.Delete(c.list, i, i+1)
	for friendshipID, categoryID := range c.assignments {
		if categoryID == id {
			delete(c.assignments, friendshipID)
		}
	}
	return errors.Join(c.saveLocked(keyCategories), c.saveLocked(keyAssignments))
}

// Assign относит дружбу к категории; пустой categoryID снимает назначение.
func (c *Categories) Assign(friendshipID, categoryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if categoryID == "" {
		if _, ok := c.assignments[friendshipID]; !ok {
			return nil
		}
		delete(c.assignments, friendshipID)
		return c.saveLocked(keyAssignments)
	}
	if c.indexLocked(categoryID) < 0 {
		return ErrCategoryNotFound
	}
	c.assignments[friendshipID] = categoryID
	return c.saveLocked(keyAssignments)
}

// For возвращает категорию дружбы.
func (c *Categories) For(friendshipID string) (Category, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := c.indexLocked(c.assignments[friendshipID])
	if i < 0 {
		return Category{}, false
	}
	return c.list[i], true
}

func (c *Categories) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(c.list, func(cat Category) bool { return cat.ID == id })
}

func (c *Categories) saveLocked(key string) error {
	if c.kv == nil {
		return nil
	}
	var value any = c.list
	if key == keyAssignments {
		value = c.assignments
	}
	return c.kv.Put(categoriesBucket, key, value)
}
