// Package storage — локальное персистентное состояние клиента.
// Содержит:
//   - EnsureDir — гарантирует наличие директории для целевого пути;
//   - KV — ключ-значение поверх bbolt, где значения хранятся как JSON.
//
// Здесь живут только данные, принадлежащие локальному пользователю: маркеры
// прочтения, собственный статус, флаг автоответа и звук. Ничего из этого не
// синхронизируется между устройствами.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	dbFileMode    = 0o600
	dbOpenTimeout = time.Second
)

// ErrClosed возвращается операциями над закрытым KV.
var ErrClosed = errors.New("storage: kv closed")

// EnsureDir гарантирует наличие каталога для указанного файла.
// Если путь не содержит директорию ("." или пустая строка), ничего не делает.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// KV — минимальное JSON-хранилище по бакетам. Потокобезопасно (bbolt
// сериализует транзакции записи сам).
type KV struct {
	db *bbolt.DB
}

// OpenKV открывает (или создаёт) файл базы. Если файл занят другим процессом,
// через dbOpenTimeout возвращается ошибка, а не вечное ожидание.
func OpenKV(path string) (*KV, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("storage: db path is empty")
	}
	if err := EnsureDir(p); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(p, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	return &KV{db: db}, nil
}

// Close закрывает файл базы данных. Повторный вызов безопасен.
func (kv *KV) Close() error {
	if kv == nil || kv.db == nil {
		return nil
	}
	err := kv.db.Close()
	kv.db = nil
	return err
}

// Get читает значение key из bucket и декодирует его в dst.
// Возвращает found=false, если бакета или ключа нет.
func (kv *KV) Get(bucket, key string, dst any) (bool, error) {
	if kv == nil || kv.db == nil {
		return false, ErrClosed
	}
	var data []byte
	if err := kv.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = append(data, v...)
		}
		return nil
	}); err != nil {
		return false, fmt.Errorf("storage: get %s/%s: %w", bucket, key, err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("storage: decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// Put кодирует value в JSON и сохраняет под key, создавая бакет при необходимости.
func (kv *KV) Put(bucket, key string, value any) error {
	if kv == nil || kv.db == nil {
		return ErrClosed
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal %s/%s: %w", bucket, key, err)
	}
	err = kv.db.Update(func(tx *bbolt.Tx) error {
		b, bucketErr := tx.CreateBucketIfNotExists([]byte(bucket))
		if bucketErr != nil {
			return bucketErr
		}
		return b.Put([]byte(key), payload)
	})
	if err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete удаляет key. Отсутствие бакета или ключа не ошибка.
func (kv *KV) Delete(bucket, key string) error {
	if kv == nil || kv.db == nil {
		return ErrClosed
	}
	err := kv.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// ForEach обходит все записи бакета; raw валиден только внутри колбэка.
func (kv *KV) ForEach(bucket string, fn func(key string, raw []byte) error) error {
	if kv == nil || kv.db == nil {
		return ErrClosed
	}
	return kv.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}
