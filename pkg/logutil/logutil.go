package logutil

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// 定义日志级别
const (
	DEBUG LogLevel = iota // 0
	INFO                  // 1
	WARN                  // 2
	ERROR                 // 3
)

// LogLevel 实现了 pflag.Value，可以直接绑定到 cobra 的 flag 上
type LogLevel int

// 定义日志级别映射字符串
var LOG_LEVELS = map[string]LogLevel{
	"DEBUG": DEBUG,
	"INFO":  INFO,
	"WARN":  WARN,
	"ERROR": ERROR,
}

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l *LogLevel) String() string {
	if *l < DEBUG || *l > ERROR {
		return fmt.Sprintf("LogLevel(%d)", int(*l))
	}
	return levelNames[*l]
}

func (l *LogLevel) Set(val string) error {
	lv, err := ParseLogLevel(val)
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

func (l *LogLevel) Type() string {
	return "loglevel"
}

// ParseLogLevel 大小写不敏感
func ParseLogLevel(s string) (LogLevel, error) {
	if lv, ok := LOG_LEVELS[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return lv, nil
	}
	return INFO, fmt.Errorf("无效的日志级别: %q (可选 DEBUG/INFO/WARN/ERROR)", s)
}

var (
	mu           sync.Mutex
	logger       *log.Logger
	logFile      *os.File
	once         sync.Once
	currentLevel = INFO // 默认日志级别
)

// InitLogger 初始化日志，允许指定输出目标（stdout 或 文件）
func InitLogger(output string, level LogLevel) {
	once.Do(func() {
		var w io.Writer
		if output == "stdout" || output == "" {
			w = os.Stdout
		} else {
			f, err := os.OpenFile(
				// 以追加模式打开日志文件，不会覆盖已有内容
				output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				log.Fatal("无法创建日志文件:", err)
			}
			logFile = f
			w = f
		}
		mu.Lock()
		logger = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
		currentLevel = level
		mu.Unlock()
	})
}

// SetOutput 把日志重定向到任意 writer (测试里用 bytes.Buffer 抓日志)
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = log.New(w, "", 0)
}

// 设置日志级别
func SetLogLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func Enabled(level LogLevel) bool {
	mu.Lock()
	defer mu.Unlock()
	return level >= currentLevel
}

// logMessage 记录日志，**仅输出符合当前级别的日志**
func logMessage(level LogLevel, tag, msg string, args ...any) {
	mu.Lock()
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
	}
	l, lv := logger, currentLevel
	mu.Unlock()

	if level < lv { // 值越小打印得越多
		return
	}
	_, file, line, _ := runtime.Caller(2) // 获取真正调用的文件+行号
	l.Printf("[%s:%d] %s %s", shortPath(file), line, tag, fmt.Sprintf(msg, args...))
}

// shortPath 只保留 包目录/文件名
func shortPath(file string) string {
	dir, name := filepath.Split(file)
	return filepath.Join(filepath.Base(dir), name)
}

// Info 记录 INFO 日志
func Info(msg string, args ...any) {
	logMessage(INFO, "[INFO]", msg, args...)
}

// Warn 记录 WARN 日志
func Warn(msg string, args ...any) {
	logMessage(WARN, "[WARN]", msg, args...)
}

// Error 记录 ERROR 日志
// DEBUG 级别下附带调用堆栈
func Error(msg string, args ...any) {
	if Enabled(DEBUG) {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		logMessage(ERROR, "[ERR]", "%s\n调用堆栈:\n%s", fmt.Sprintf(msg, args...), buf[:n])
		return
	}
	logMessage(ERROR, "[ERR]", msg, args...)
}

// Debug 记录 DEBUG 日志
func Debug(msg string, args ...any) {
	logMessage(DEBUG, "[DBG]", msg, args...)
}

// 关闭日志文件（如果有的话）
func CloseLogger() error {
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}
