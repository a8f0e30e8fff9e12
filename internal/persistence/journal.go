package persistence

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"

	"factory-routing/internal/event"
)

// Journal 以 JSON Lines 追加写入全部业务事件，作为审计轨迹
// 每行一个 event.Event，进程重启后可回放
type Journal struct {
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// OpenJournal 创建或打开一个事件日志文件
func OpenJournal(path string) (*Journal, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file}, nil
}

// Append 写入一条事件
func (j *Journal) Append(e event.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return j.file.Sync()
}

// replay 从头读取全部记录，按事件时间回放，损坏的行直接跳过
// 处理器并发写入，行序不等于发生顺序；时间相同时按总线序号，再按行序
func (j *Journal) replay(fn func(e event.Event)) error {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var all []event.Event
	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e event.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	sort.SliceStable(all, func(a, b int) bool {
		if !all[a].At.Equal(all[b].At) {
			return all[a].At.Before(all[b].At)
		}
		return all[a].Seq < all[b].Seq
	})
	for _, e := range all {
		fn(e)
	}
	return nil
}

// History 返回某订单的全部事件，按发生顺序
func (j *Journal) History(orderNo string) ([]event.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []event.Event
	err := j.replay(func(e event.Event) {
		if e.OrderNo == orderNo || e.ChildOrderNo == orderNo {
			out = append(out, e)
		}
	})
	return out, err
}

// DanglingSessions 找出已开启但没有对应结束记录的作业会话
// 启动时调用，用于提示上次异常退出时仍在计时的工序
func (j *Journal) DanglingSessions() ([]event.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	type sessionKey struct {
		orderNo   string
		station   string
		stepOrder int
		tech      string
	}
	open := make(map[sessionKey]event.Event)
	var order []sessionKey

	err := j.replay(func(e event.Event) {
		k := sessionKey{e.OrderNo, string(e.StationID), e.StepOrder, e.TechnicianID}
		switch e.Type {
		case event.SessionOpened:
			if _, ok := open[k]; !ok {
				order = append(order, k)
			}
			open[k] = e
		case event.SessionClosed:
			delete(open, k)
		case event.OrderReset, event.OrderDeleted:
			for key := range open {
				if key.orderNo == e.OrderNo {
					delete(open, key)
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}

	var out []event.Event
	for _, k := range order {
		if e, ok := open[k]; ok {
			out = append(out, e)
			delete(open, k)
		}
	}
	return out, nil
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
