package zkfarmer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotImplemented is returned when reading a write-only sink.
	ErrNotImplemented = errors.New("not implemented")

	// ErrUnsupportedFormat means the sink format could not be detected
	// or is unknown.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Conf reads and writes the local configuration artifact of a farm
// member. Write is idempotent: when the current content already equals
// the new one, the underlying storage is left untouched.
type Conf interface {
	Read() (Info, error)
	Write(Info) error
	Path() string
}

// NewConf selects a sink for the given path. With an empty format the
// sink is detected from the path: a directory, or a .json/.yaml/.php
// file extension.
func NewConf(path string, format string) (Conf, error) {
	if format == "" {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			format = "dir"
		} else {
			switch filepath.Ext(path) {
			case ".json":
				format = "json"
			case ".yaml", ".yml":
				format = "yaml"
			case ".php":
				format = "php"
			default:
				return nil, fmt.Errorf("%w: cannot detect format of %s", ErrUnsupportedFormat, path)
			}
		}
	}
	switch format {
	case "json":
		return &ConfJSON{confFile{path}}, nil
	case "yaml":
		return &ConfYAML{confFile{path}}, nil
	case "php":
		return &ConfPHP{confFile: confFile{path}}, nil
	case "dir":
		return &ConfDir{path: path}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

type confFile struct {
	path string
}

func (c confFile) Path() string { return c.path }

// atomicWrite replaces the file through a temp file in the destination
// directory so readers never observe a partial write. The mode is 0666
// adjusted by the process umask, matching what a plain create would get.
func (c confFile) atomicWrite(data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".zkfarmer-")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()
	mask := syscall.Umask(0)
	syscall.Umask(mask)
	if err = os.Chmod(tmp.Name(), os.FileMode(0666&^mask)); err != nil {
		tmp.Close()
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}

func (c confFile) readFile() ([]byte, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// ConfJSON is a single-file JSON sink.
type ConfJSON struct {
	confFile
}

func (c *ConfJSON) Read() (Info, error) {
	data, err := c.readFile()
	if err != nil || data == nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return normalize(info).(Info), nil
}

func (c *ConfJSON) Write(info Info) error {
	if current, err := c.Read(); err == nil && reflect.DeepEqual(current, info) {
		return nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.atomicWrite(data)
}

// ConfYAML is a single-file YAML sink.
type ConfYAML struct {
	confFile
}

func (c *ConfYAML) Read() (Info, error) {
	data, err := c.readFile()
	if err != nil || data == nil {
		return nil, err
	}
	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	return normalize(info).(Info), nil
}

func (c *ConfYAML) Write(info Info) error {
	if current, err := c.Read(); err == nil && reflect.DeepEqual(current, info) {
		return nil
	}
	data, err := yaml.Marshal(info)
	if err != nil {
		return err
	}
	return c.atomicWrite(data)
}

// ConfPHP renders the configuration as a PHP array literal. It is
// write-only; the last written content is kept in memory so unchanged
// rewrites are skipped.
type ConfPHP struct {
	confFile
	written Info
}

var phpMeta = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\x00", "\\\x00", "\n", `\n`)

func (c *ConfPHP) Read() (Info, error) {
	return nil, fmt.Errorf("%w: ConfPHP.Read", ErrNotImplemented)
}

func (c *ConfPHP) Write(info Info) error {
	if c.written != nil && reflect.DeepEqual(c.written, info) {
		return nil
	}
	body, err := phpDump(info, 0)
	if err != nil {
		return err
	}
	if err := c.atomicWrite([]byte("<?php return " + body + ";")); err != nil {
		return err
	}
	c.written = info
	return nil
}

func phpDump(v interface{}, lvl int) (string, error) {
	const indentUnit = "    "
	switch val := v.(type) {
	case int:
		return fmt.Sprintf("%d", val), nil
	case string:
		return `"` + phpMeta.Replace(val) + `"`, nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case Info:
		indent := strings.Repeat(indentUnit, lvl)
		lines := make([]string, 0, len(val))
		for key, item := range val {
			dumped, err := phpDump(item, lvl+1)
			if err != nil {
				return "", err
			}
			lines = append(lines, fmt.Sprintf(`%s"%s" => %s`, indent+indentUnit, phpMeta.Replace(key), dumped))
		}
		return fmt.Sprintf("array\n%s(\n%s\n%s)", indent, strings.Join(lines, ",\n"), indent), nil
	case []interface{}:
		items := make([]string, 0, len(val))
		for _, item := range val {
			dumped, err := phpDump(item, 0)
			if err != nil {
				return "", err
			}
			items = append(items, dumped)
		}
		return "array(" + strings.Join(items, ",") + ")", nil
	default:
		return "", fmt.Errorf("php dump: cannot serialize value of type %T", v)
	}
}

// ConfDir represents the configuration as a directory tree: nested maps
// are subdirectories, scalars are files holding the trimmed value.
type ConfDir struct {
	path string
}

func (c *ConfDir) Path() string { return c.path }

func (c *ConfDir) Read() (Info, error) {
	return c.parse(c.path)
}

func (c *ConfDir) parse(dir string) (Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	info := Info{}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		entryPath := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			sub, err := c.parse(entryPath)
			if err != nil {
				return nil, err
			}
			info[entry.Name()] = sub
		} else {
			data, err := os.ReadFile(entryPath)
			if err != nil {
				return nil, err
			}
			info[entry.Name()] = strings.TrimSpace(string(data))
		}
	}
	return info, nil
}

func (c *ConfDir) Write(info Info) error {
	if err := os.MkdirAll(c.path, 0777); err != nil {
		return err
	}
	return c.dump(info, c.path)
}

func (c *ConfDir) dump(info Info, dir string) error {
	for key, val := range info {
		entryPath := filepath.Join(dir, key)
		switch v := val.(type) {
		case Info:
			if fi, err := os.Stat(entryPath); err == nil && !fi.IsDir() {
				if err := os.Remove(entryPath); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(entryPath, 0777); err != nil {
				return err
			}
			if err := c.dump(v, entryPath); err != nil {
				return err
			}
		case string, int, bool:
			rendered := scalarString(v)
			if fi, err := os.Stat(entryPath); err == nil && fi.IsDir() {
				if err := os.RemoveAll(entryPath); err != nil {
					return err
				}
			} else if err == nil {
				current, err := os.ReadFile(entryPath)
				if err == nil && string(current) == rendered {
					continue
				}
			}
			leaf := confFile{entryPath}
			if err := leaf.atomicWrite([]byte(rendered)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("dir dump: cannot serialize value of type %T", val)
		}
	}
	// Clean vanished entries at this level
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, ok := info[entry.Name()]; !ok {
			if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
