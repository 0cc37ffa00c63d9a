package skland

import "time"

// Upstream response codes
const (
	CodeOK           = 0
	CodeTokenInvalid = 220
	CodeRequestError = 10000
	// CodeAlreadyDone is returned both for "already checked in today" and for a dead cred.
	CodeAlreadyDone = 10001
)

const (
	PlatformEndfield = "3"
	GameIDEndfield   = "1"
	AppCode          = "4ca99fa6b56cc2ba"
	EndfieldAppCode  = "endfield"
	SignVName        = "1.0.0"
	DefaultServerID  = "1"
)

// Skland mobile app identity used by the user info endpoint
const (
	AppPlatform     = "1"
	AppVName        = "1.52.1"
	AppVCode        = "105201003"
	AppLanguage     = "zh-cn"
	AppOS           = "32"
	AppNID          = "1"
	AppChannel      = "OF"
	AppManufacturer = "Samsung"
)

const (
	IOSUserAgent     = "Skland/1.21.0 (com.hypergryph.skland; build:102100065; iOS 17.6.0) Alamofire/5.7.1"
	AndroidUserAgent = "Mozilla/5.0 (Linux; Android 12; SM-S9280 Build/V417IR; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/101.0.4951.61 Mobile Safari/537.36; SKLand/1.52.1"
	AppUserAgent     = "Skland/1.52.1 (com.hypergryph.skland; build:105201003; Android 32; ) Okhttp/4.11.0"
	WebUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"
	AcceptLanguage   = "zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7"
)

const (
	TokenFreshWindow = 180 * time.Second
	ScanPollAttempts = 50
	ScanPollInterval = 2 * time.Second
	GachaMaxPages    = 100
	GachaPageDelay   = 200 * time.Millisecond
)

const ScanLoginURLPrefix = "hypergryph://scan_login?scanId="

// Skland API paths
const (
	pathRefresh     = "/api/v1/auth/refresh"
	pathBinding     = "/api/v1/game/player/binding"
	pathPlayerInfo  = "/api/v1/game/player/info"
	pathUserInfo    = "/api/v1/user"
	pathAttendance  = "/api/v1/game/endfield/attendance"
	pathEnums       = "/api/v1/game/endfield/enums"
	pathCardDetail  = "/api/v1/game/endfield/card/detail"
	pathCredByCode  = "/api/v1/user/auth/generate_cred_by_code"
	pathScanLogin   = "/general/v1/gen_scan/login"
	pathScanStatus  = "/general/v1/scan_status"
	pathTokenByScan = "/user/auth/v1/token_by_scan_code"
	pathGrant       = "/user/oauth2/v2/grant"
	pathAnnList     = "/web/v1/home/index"
	pathAnnDetail   = "/web/v1/item"
)

// Endfield ids on the Skland web feed
const (
	AnnGameID = "3"
	AnnCateID = "12"
)

// Gacha webview paths
const (
	pathGachaChar       = "/api/record/char"
	pathGachaWeaponPool = "/api/record/weapon/pool"
	pathGachaWeapon     = "/api/record/weapon"
)

// Character gacha pool types, in fetch order
var CharPoolTypes = []string{
	"E_CharacterGachaPoolType_Special",
	"E_CharacterGachaPoolType_Standard",
	"E_CharacterGachaPoolType_Beginner",
}

var CharPoolNames = map[string]string{
	"E_CharacterGachaPoolType_Special":  "特许寻访",
	"E_CharacterGachaPoolType_Standard": "基础寻访",
	"E_CharacterGachaPoolType_Beginner": "启程寻访",
}

const WeaponPoolPrefix = "武器寻访-"
