// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Portal    PortalConfig    `mapstructure:"portal" yaml:"portal"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp" yaml:"whatsapp"`
	Downloads DownloadsConfig `mapstructure:"downloads" yaml:"downloads"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
}

// LoggerConfig controls the zap logger and its optional rotating file sink.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls the Chrome instance both sessions run against.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// ProfileDir persists the browser profile between runs so the WhatsApp
	// session survives restarts without rescanning the QR.
	ProfileDir string `mapstructure:"profile_dir" yaml:"profile_dir"`
	// TempDownloadDir is where Chrome drops files before the acquisition
	// protocol moves them to their final folder.
	TempDownloadDir   string        `mapstructure:"temp_download_dir" yaml:"temp_download_dir"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// PortalConfig holds the registration portal endpoints and element ids.
// The ids default to the portal's current markup; they are configuration
// because the portal changes markup without notice.
type PortalConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	CaptchaElement  string        `mapstructure:"captcha_element" yaml:"captcha_element"`
	CaptchaPath     string        `mapstructure:"captcha_path" yaml:"captcha_path"`
	ContinueButton  string        `mapstructure:"continue_button" yaml:"continue_button"`
	ExitButton      string        `mapstructure:"exit_button" yaml:"exit_button"`
	CancelButton    string        `mapstructure:"cancel_button" yaml:"cancel_button"`
	FieldErrorIDs   []string      `mapstructure:"field_error_ids" yaml:"field_error_ids"`
	FormErrorID     string        `mapstructure:"form_error_id" yaml:"form_error_id"`
	ConfirmSequence []string      `mapstructure:"confirm_sequence" yaml:"confirm_sequence"`
	DocumentIcon    string        `mapstructure:"document_icon" yaml:"document_icon"`
	StepTimeout     time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`
}

// WhatsAppConfig holds the WhatsApp Web endpoints, selector sets and the
// scoring knobs used to disambiguate attachment inputs and send buttons.
type WhatsAppConfig struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	DeepLink     string        `mapstructure:"deep_link" yaml:"deep_link"`
	QRImagePath  string        `mapstructure:"qr_image_path" yaml:"qr_image_path"`
	ArtifactsDir string        `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
	DefaultWait  time.Duration `mapstructure:"default_wait" yaml:"default_wait"`
	// SearchWait bounds the hunt for the in-app search box before the
	// session re-navigates; ConversationWait bounds the check that a chat
	// actually opened after committing a search.
	SearchWait       time.Duration `mapstructure:"search_wait" yaml:"search_wait"`
	ConversationWait time.Duration `mapstructure:"conversation_wait" yaml:"conversation_wait"`
	// FileInputWait bounds the re-poll for file inputs that WhatsApp
	// injects lazily after the attach menu opens.
	FileInputWait time.Duration `mapstructure:"file_input_wait" yaml:"file_input_wait"`

	Selectors WhatsAppSelectors `mapstructure:"selectors" yaml:"selectors"`
	Scoring   ScoringConfig     `mapstructure:"scoring" yaml:"scoring"`
}

// WhatsAppSelectors groups the ordered selector strategies for each logical
// element the session interacts with. Order is preference order.
type WhatsAppSelectors struct {
	ConversationPanel []string `mapstructure:"conversation_panel" yaml:"conversation_panel"`
	SearchInputs      []string `mapstructure:"search_inputs" yaml:"search_inputs"`
	ChatInput         []string `mapstructure:"chat_input" yaml:"chat_input"`
	ClipButton        []string `mapstructure:"clip_button" yaml:"clip_button"`
	FileInput         []string `mapstructure:"file_input" yaml:"file_input"`
	SendButton        []string `mapstructure:"send_button" yaml:"send_button"`
	DocumentMenuItem  []string `mapstructure:"document_menu_item" yaml:"document_menu_item"`
	SessionMarkers    []string `mapstructure:"session_markers" yaml:"session_markers"`
	SearchResults     []string `mapstructure:"search_results" yaml:"search_results"`
	AlertRegions      []string `mapstructure:"alert_regions" yaml:"alert_regions"`
}

// ScoringConfig tunes the heuristic candidate ranking. The defaults mirror
// the current WhatsApp Web markup; they are expected to drift.
type ScoringConfig struct {
	AcceptPDF         int      `mapstructure:"accept_pdf" yaml:"accept_pdf"`
	AcceptApplication int      `mapstructure:"accept_application" yaml:"accept_application"`
	AcceptWildcard    int      `mapstructure:"accept_wildcard" yaml:"accept_wildcard"`
	AcceptImageOnly   int      `mapstructure:"accept_image_only" yaml:"accept_image_only"`
	AcceptVideoOnly   int      `mapstructure:"accept_video_only" yaml:"accept_video_only"`
	AcceptAudioOnly   int      `mapstructure:"accept_audio_only" yaml:"accept_audio_only"`
	EnabledBonus      int      `mapstructure:"enabled_bonus" yaml:"enabled_bonus"`
	DisplayedBonus    int      `mapstructure:"displayed_bonus" yaml:"displayed_bonus"`
	SendPositive      []string `mapstructure:"send_positive" yaml:"send_positive"`
	SendNegative      []string `mapstructure:"send_negative" yaml:"send_negative"`
	FailurePhrases    []string `mapstructure:"failure_phrases" yaml:"failure_phrases"`
}

// DownloadsConfig controls the acquisition protocol.
type DownloadsConfig struct {
	DestRoot          string        `mapstructure:"dest_root" yaml:"dest_root"`
	Subfolder         string        `mapstructure:"subfolder" yaml:"subfolder"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions" yaml:"allowed_extensions"`
	SettleTimeout     time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
	SettlePoll        time.Duration `mapstructure:"settle_poll" yaml:"settle_poll"`
	// InProgressSuffix marks a file the browser is still writing.
	InProgressSuffix string `mapstructure:"in_progress_suffix" yaml:"in_progress_suffix"`
}

// StorageConfig points at the operator workbook.
type StorageConfig struct {
	WorkbookPath string        `mapstructure:"workbook_path" yaml:"workbook_path"`
	Sheet        string        `mapstructure:"sheet" yaml:"sheet"`
	SaveTimeout  time.Duration `mapstructure:"save_timeout" yaml:"save_timeout"`
}

// SetDefaults registers every default on the given viper instance so the
// binary is usable with no config file at all.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "tramitador")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "red")
	v.SetDefault("logger.colors.panic", "red")
	v.SetDefault("logger.colors.fatal", "red")

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.temp_download_dir", "_tmp_downloads")
	v.SetDefault("browser.navigation_timeout", 15*time.Second)
	v.SetDefault("browser.poll_interval", 200*time.Millisecond)

	v.SetDefault("portal.captcha_element", "captchaImg")
	v.SetDefault("portal.captcha_path", "captcha.png")
	v.SetDefault("portal.continue_button", "continuar")
	v.SetDefault("portal.exit_button", "salir")
	v.SetDefault("portal.cancel_button", "submitCancelar")
	v.SetDefault("portal.field_error_ids", []string{"errorCurp", "errorRfc", "errorNss", "errorEmail"})
	v.SetDefault("portal.form_error_id", "errorForm")
	v.SetDefault("portal.confirm_sequence", []string{
		"submitContinuar", "continuar", "checkRenovacionAut", "terminos", "continuar", "guarda",
	})
	v.SetDefault("portal.document_icon", "span.glyphicon.glyphicon-file")
	v.SetDefault("portal.step_timeout", time.Second)
	v.SetDefault("portal.download_timeout", 30*time.Second)

	v.SetDefault("whatsapp.base_url", "https://web.whatsapp.com/")
	v.SetDefault("whatsapp.deep_link", "https://web.whatsapp.com/send?phone=%s")
	v.SetDefault("whatsapp.qr_image_path", "whatsapp_qr.png")
	v.SetDefault("whatsapp.artifacts_dir", ".")
	v.SetDefault("whatsapp.default_wait", 6*time.Second)
	v.SetDefault("whatsapp.search_wait", 4*time.Second)
	v.SetDefault("whatsapp.conversation_wait", 3*time.Second)
	v.SetDefault("whatsapp.file_input_wait", 3*time.Second)

	v.SetDefault("whatsapp.selectors.conversation_panel", []string{
		"div[data-testid='conversation-panel']",
		"div[role='application']",
	})
	v.SetDefault("whatsapp.selectors.search_inputs", []string{
		"div[contenteditable='true'][data-tab='3']",
		"div[title='Buscar o iniciar un chat']",
		"div[aria-label='Search input textbox']",
	})
	v.SetDefault("whatsapp.selectors.chat_input", []string{
		"div[contenteditable='true'][data-tab='10']",
		"div[contenteditable='true'][data-tab='6']",
	})
	v.SetDefault("whatsapp.selectors.clip_button", []string{
		"button[title='Attach']",
		"span[data-icon='plus-rounded']",
		"span[data-testid='clip']",
	})
	v.SetDefault("whatsapp.selectors.file_input", []string{
		"input[type='file'][accept='*']",
		"input[type='file'][accept='application/*']",
		"input[type='file']",
	})
	v.SetDefault("whatsapp.selectors.send_button", []string{
		"span[data-icon='send']",
		"button[data-testid='compose-btn-send']",
		"button[aria-label='Send']",
		"button[data-tab='11']",
		"span[data-icon='wds-ic-send-filled']",
		"button[aria-label='Enviar']",
	})
	v.SetDefault("whatsapp.selectors.document_menu_item", []string{
		"div[role='menuitem'][aria-label='Document']",
		"div[role='menuitem'][aria-label='Documento']",
	})
	v.SetDefault("whatsapp.selectors.session_markers", []string{
		"div[contenteditable='true'][data-tab='3']",
		"div[contenteditable='true'][data-tab='10']",
		"div[data-testid='pane-side']",
		"div[data-testid='conversation-panel']",
	})
	v.SetDefault("whatsapp.selectors.search_results", []string{
		"div[role='option']",
		"div[role='button'][data-testid]",
	})
	v.SetDefault("whatsapp.selectors.alert_regions", []string{
		"div[role='alert']",
		"div[aria-live='assertive']",
		"div[aria-live='polite']",
		"div[data-testid='toast-container']",
	})

	v.SetDefault("whatsapp.scoring.accept_pdf", 50)
	v.SetDefault("whatsapp.scoring.accept_application", 15)
	v.SetDefault("whatsapp.scoring.accept_wildcard", 12)
	v.SetDefault("whatsapp.scoring.accept_image_only", -25)
	v.SetDefault("whatsapp.scoring.accept_video_only", -15)
	v.SetDefault("whatsapp.scoring.accept_audio_only", -10)
	v.SetDefault("whatsapp.scoring.enabled_bonus", 3)
	v.SetDefault("whatsapp.scoring.displayed_bonus", 2)
	v.SetDefault("whatsapp.scoring.send_positive", []string{
		"send", "wds-ic-send", "wds-ic-send-filled", "compose-btn-send", "enviar",
	})
	v.SetDefault("whatsapp.scoring.send_negative", []string{
		"mic", "microphone", "record", "audio", "voice", "grab", "micro",
		"recording", "grabación", "audio-record", "mic-fill",
	})
	v.SetDefault("whatsapp.scoring.failure_phrases", []string{
		"not supported", "archive not supported", "no soport", "archivo no",
		"no se puede", "not support",
	})

	v.SetDefault("downloads.subfolder", "PDFs")
	v.SetDefault("downloads.allowed_extensions", []string{".pdf"})
	v.SetDefault("downloads.settle_timeout", 30*time.Second)
	v.SetDefault("downloads.settle_poll", 250*time.Millisecond)
	v.SetDefault("downloads.in_progress_suffix", ".crdownload")

	v.SetDefault("storage.sheet", "Sheet1")
	v.SetDefault("storage.save_timeout", 10*time.Second)
}

// Load unmarshals the viper state into a Config after applying defaults.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
