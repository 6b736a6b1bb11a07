package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds the operator-facing startup and shutdown lines.
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDatabase      string
	ShuttingDown       string
	Stopped            string
	DryRunMode         string
	LiveMode           string
	ConfigLoadFailed   string
	LoggerInitFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	LedgerLoadFailed   string
	LedgerLoaded       string
	APIServerError     string

	// Strategy profiles
	ProfilesLoaded     string
	ProfilesFallback   string
	BlockWindowInvalid string
	BlockWindowActive  string
	TokenIssued        string
	TokenIssueFailed   string
	JWTDisabled        string

	// Services
	PaperVenueStarted  string
	PaperFeedStarted   string
	UserStreamStarted  string
	WorkerStopped      string
	SweeperStarted     string
	AuditStarted       string
	InitialResync      string
	JournalFlushFailed string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting futures engine...",
	ConfigLoaded:       "Config loaded (port %s)",
	UsingDatabase:      "Using %s database",
	ShuttingDown:       "Shutting down gracefully...",
	Stopped:            "Engine stopped",
	DryRunMode:         "Running in DRY-RUN mode against the paper exchange",
	LiveMode:           "Running LIVE on %s",
	ConfigLoadFailed:   "Failed to load config: %v",
	LoggerInitFailed:   "Failed to init logger: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	LedgerLoadFailed:   "Failed to load ledger: %v",
	LedgerLoaded:       "Ledger loaded: %d active orders, %d positions",
	APIServerError:     "API server error: %v",

	// Strategy profiles
	ProfilesLoaded:     "Strategy profiles loaded: %v",
	ProfilesFallback:   "Strategy profiles unavailable (%v), using built-in defaults",
	BlockWindowInvalid: "Invalid trading block window: %v",
	BlockWindowActive:  "Signals ignored during %s",
	TokenIssued:        "Token for %s: %s",
	TokenIssueFailed:   "Failed to issue token: %v",
	JWTDisabled:        "JWT_SECRET empty, mutating routes are not authenticated",

	// Services
	PaperVenueStarted:  "Paper exchange started",
	PaperFeedStarted:   "Paper marks follow live candles every %s",
	UserStreamStarted:  "User data stream started",
	WorkerStopped:      "Reconciliation worker stopped: %v",
	SweeperStarted:     "Timeout sweeper started (timeout grace %s)",
	AuditStarted:       "Position audit every %s (auto-sync %v)",
	InitialResync:      "Initial resync requested",
	JournalFlushFailed: "Final journal flush failed: %v",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "期貨引擎啟動中...",
	ConfigLoaded:       "設定已載入 (埠 %s)",
	UsingDatabase:      "使用 %s 資料庫",
	ShuttingDown:       "正在優雅關閉...",
	Stopped:            "引擎已停止",
	DryRunMode:         "DRY-RUN 模式，使用模擬交易所",
	LiveMode:           "實盤模式，交易所 %s",
	ConfigLoadFailed:   "載入設定失敗: %v",
	LoggerInitFailed:   "初始化日誌失敗: %v",
	DBInitFailed:       "初始化資料庫失敗: %v",
	DBMigrationsFailed: "套用資料庫遷移失敗: %v",
	LedgerLoadFailed:   "載入帳本失敗: %v",
	LedgerLoaded:       "帳本已載入: %d 筆進行中訂單, %d 個持倉",
	APIServerError:     "API 伺服器錯誤: %v",

	// Strategy profiles
	ProfilesLoaded:     "策略設定已載入: %v",
	ProfilesFallback:   "無法讀取策略設定 (%v)，改用內建預設值",
	BlockWindowInvalid: "交易封鎖時段設定錯誤: %v",
	BlockWindowActive:  "%s 期間忽略訊號",
	TokenIssued:        "%s 的權杖: %s",
	TokenIssueFailed:   "簽發權杖失敗: %v",
	JWTDisabled:        "JWT_SECRET 未設定，寫入路由不驗證身分",

	// Services
	PaperVenueStarted:  "模擬交易所已啟動",
	PaperFeedStarted:   "模擬標記價格每 %s 依即時K線更新",
	UserStreamStarted:  "用戶資料串流已啟動",
	WorkerStopped:      "對帳工作者已停止: %v",
	SweeperStarted:     "逾時清理已啟動 (寬限 %s)",
	AuditStarted:       "持倉稽核每 %s 執行一次 (自動同步 %v)",
	InitialResync:      "已排程初始重新同步",
	JournalFlushFailed: "最後一次事件日誌寫入失敗: %v",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		currentLang = LangEN
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
