package prompts

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
)

// Library 提示词模板库。内置模板可以被覆盖目录中的 <name>.tmpl 文件替换
type Library struct {
	mu        sync.RWMutex
	dir       string
	sources   map[string]string
	templates map[string]*template.Template
	logger    *log.Logger
}

// New 加载内置模板，dir 非空时再加载覆盖文件
func New(dir string) (*Library, error) {
	l := &Library{
		dir:       dir,
		sources:   make(map[string]string),
		templates: make(map[string]*template.Template),
		logger:    log.New(os.Stdout, "[PROMPTS] ", log.LstdFlags),
	}
	for name, text := range defaults {
		if err := l.set(name, text); err != nil {
			return nil, fmt.Errorf("builtin prompt %s: %w", name, err)
		}
	}
	if dir != "" {
		if err := l.loadOverrides(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Default 只包含内置模板的模板库
func Default() *Library {
	l, err := New("")
	if err != nil {
		panic(err)
	}
	return l
}

// Names 返回所有模板名称
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.sources))
	for name := range l.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render 渲染指定模板
func (l *Library) Render(name string, data Data) (string, error) {
	l.mu.RLock()
	tmpl, ok := l.templates[name]
	l.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

// Text 渲染不需要变量的模板（fallback、system），失败时返回空串
func (l *Library) Text(name string) string {
	s, err := l.Render(name, Data{})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Validate 检查模板能解析，并且引用了必需的变量
func Validate(name, text string) error {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	required, known := requiredVars[name]
	if !known {
		return nil
	}
	probe := Data{
		Transcript: "\x00transcript\x00",
		Context:    "\x00context\x00",
		Query:      "\x00query\x00",
		History:    "\x00history\x00",
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, probe); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	out := buf.String()
	var missing []string
	for _, v := range required {
		if !strings.Contains(out, "\x00"+strings.ToLower(v)+"\x00") {
			missing = append(missing, "{{."+v+"}}")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("prompt %s missing required placeholder(s): %s", name, strings.Join(missing, ", "))
	}
	return nil
}

func (l *Library) set(name, text string) error {
	if err := Validate(name, text); err != nil {
		return err
	}
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.sources[name] = text
	l.templates[name] = tmpl
	l.mu.Unlock()
	return nil
}

// loadOverrides 覆盖文件无效时直接返回错误，启动阶段就暴露问题
func (l *Library) loadOverrides() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read prompt dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".tmpl" {
			continue
		}
		if err := l.loadFile(filepath.Join(l.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (l *Library) loadFile(path string) error {
	name := strings.TrimSuffix(filepath.Base(path), ".tmpl")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt %s: %w", name, err)
	}
	if err := l.set(name, string(data)); err != nil {
		return fmt.Errorf("prompt override %s: %w", name, err)
	}
	l.logger.Printf("loaded prompt override %s", name)
	return nil
}

// Watch 监听覆盖目录，文件变化时热加载；无效的新版本被忽略，保留旧模板
func (l *Library) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("add watch path: %w", err)
	}
	l.logger.Printf("watching %s for prompt changes", l.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Ext(event.Name) != ".tmpl" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.loadFile(event.Name); err != nil {
				l.logger.Printf("reload failed, keeping previous version: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			l.logger.Printf("watcher error: %v", err)
		}
	}
}
