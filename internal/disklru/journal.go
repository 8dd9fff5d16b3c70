package disklru

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// journal 文件格式：
//
//	netcache.disklru
//	1
//	<appVersion>
//	<valueCount>
//
//	CLEAN <key> <len0> <len1> ...
//	DIRTY <key>
//	REMOVE <key>
//	READ <key>
//
// DIRTY 之后必须跟随同 key 的 CLEAN 或 REMOVE，否则重启时视为未完成编辑并清理。

// errJournalTruncated 表示最后一行缺少换行，可以继续使用但需要重写 journal。
var errJournalTruncated = errors.New("disklru: journal truncated")

// restoreBackup 处理上次重写 journal 时中断留下的备份文件。
func (c *Cache) restoreBackup() error {
	backup := c.path(journalFileBackup)
	if _, err := os.Stat(backup); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if _, err := os.Stat(c.path(journalFile)); err == nil {
		return os.Remove(backup)
	}
	return os.Rename(backup, c.path(journalFile))
}

func (c *Cache) readJournal() error {
	f, err := os.Open(c.path(journalFile))
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]string, 5)
	for i := range header {
		line, err := readJournalLine(r)
		if err != nil {
			return fmt.Errorf("disklru: journal header: %w", err)
		}
		header[i] = line
	}
	if header[0] != magic ||
		header[1] != version1 ||
		header[2] != strconv.Itoa(c.appVersion) ||
		header[3] != strconv.Itoa(c.valueCount) ||
		header[4] != "" {
		return fmt.Errorf("disklru: unexpected journal header [%s]", strings.Join(header, ", "))
	}

	lineCount := 0
	truncated := false
	for {
		line, err := readJournalLine(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errJournalTruncated) {
			truncated = true
			break
		}
		if err != nil {
			return err
		}
		if err := c.applyJournalLine(line); err != nil {
			return err
		}
		lineCount++
	}

	c.redundantOps = lineCount - len(c.entries)
	if truncated {
		c.journalDamaged = true
		c.logger.WithField("action", "disklru_open").Warn("disklru_journal_truncated")
	}
	return nil
}

func (c *Cache) applyJournalLine(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) < 2 {
		return fmt.Errorf("disklru: unexpected journal line: %s", line)
	}
	op, key := parts[0], parts[1]

	if op == opRemove && len(parts) == 2 {
		if elem, ok := c.entries[key]; ok {
			delete(c.entries, key)
			c.lru.Remove(elem)
		}
		return nil
	}

	elem, ok := c.entries[key]
	if !ok {
		elem = c.lru.PushBack(&entry{key: key, lengths: make([]int64, c.valueCount)})
		c.entries[key] = elem
	} else {
		c.lru.MoveToBack(elem)
	}
	e := elem.Value.(*entry)

	switch {
	case op == opClean && len(parts) == 2+c.valueCount:
		for i, raw := range parts[2:] {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("disklru: unexpected journal line: %s", line)
			}
			e.lengths[i] = n
		}
		e.readable = true
		e.editor = nil
	case op == opDirty && len(parts) == 2:
		e.editor = &Editor{cache: c, entry: e, written: make([]bool, c.valueCount)}
	case op == opRead && len(parts) == 2:
	default:
		return fmt.Errorf("disklru: unexpected journal line: %s", line)
	}
	return nil
}

// processJournal 统计容量，并清理上次进程遗留的未完成编辑。
func (c *Cache) processJournal() {
	_ = os.Remove(c.path(journalFileTemp))

	c.size = 0
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry)
		if e.editor == nil {
			for _, l := range e.lengths {
				c.size += l
			}
		} else {
			e.editor = nil
			for i := 0; i < c.valueCount; i++ {
				removeQuietly(c.cleanPath(e.key, i))
				removeQuietly(c.dirtyPath(e.key, i))
			}
			delete(c.entries, e.key)
			c.lru.Remove(elem)
		}
		elem = next
	}
}

func (c *Cache) openJournalForAppend() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journalDamaged || c.rebuildRequiredLocked() {
		return c.rebuildJournalLocked()
	}
	f, err := os.OpenFile(c.path(journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("disklru: open journal: %w", err)
	}
	c.journal = f
	c.journalOut = bufio.NewWriter(f)
	return nil
}

// rebuildJournalLocked 用当前索引重写一份最小 journal，并原子替换旧文件。
func (c *Cache) rebuildJournalLocked() error {
	if err := c.closeJournalLocked(); err != nil {
		return err
	}

	tmpPath := c.path(journalFileTemp)
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("disklru: create journal: %w", err)
	}

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "%s\n%s\n%d\n%d\n\n", magic, version1, c.appVersion, c.valueCount)
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if e.editor != nil {
			fmt.Fprintf(w, "%s %s\n", opDirty, e.key)
			continue
		}
		fmt.Fprintf(w, "%s %s %s\n", opClean, e.key, strings.Join(formatLengths(e.lengths), " "))
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("disklru: write journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("disklru: write journal: %w", err)
	}

	journalPath := c.path(journalFile)
	backupPath := c.path(journalFileBackup)
	if _, err := os.Stat(journalPath); err == nil {
		if err := os.Rename(journalPath, backupPath); err != nil {
			return fmt.Errorf("disklru: backup journal: %w", err)
		}
	}
	if err := os.Rename(tmpPath, journalPath); err != nil {
		return fmt.Errorf("disklru: replace journal: %w", err)
	}
	removeQuietly(backupPath)

	f, err := os.OpenFile(journalPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("disklru: open journal: %w", err)
	}
	c.journal = f
	c.journalOut = bufio.NewWriter(f)
	c.redundantOps = 0
	c.journalDamaged = false
	return nil
}

func (c *Cache) writeJournalLocked(op, key string, extra ...string) error {
	if c.journalOut == nil {
		return ErrClosed
	}
	line := op + " " + key
	if len(extra) > 0 {
		line += " " + strings.Join(extra, " ")
	}
	_, err := c.journalOut.WriteString(line + "\n")
	return err
}

func (c *Cache) closeJournalLocked() error {
	if c.journal == nil {
		return nil
	}
	flushErr := c.journalOut.Flush()
	closeErr := c.journal.Close()
	c.journal = nil
	c.journalOut = nil
	return errors.Join(flushErr, closeErr)
}

func readJournalLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", errJournalTruncated
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}
