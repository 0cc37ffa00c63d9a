package model

type CookieStatus string

const (
	CookieStatusValid   CookieStatus = "valid"
	CookieStatusInvalid CookieStatus = "invalid"
)

type SignSwitch string

const (
	SignSwitchOn  SignSwitch = "on"
	SignSwitchOff SignSwitch = "off"
)

type SignStatus string

const (
	SignStatusSuccess SignStatus = "success"
	SignStatusSigned  SignStatus = "signed"
	SignStatusFail    SignStatus = "fail"
)

type RunKind string

const (
	RunKindAuto   RunKind = "auto"
	RunKindManual RunKind = "manual"
)

type TargetType string

const (
	TargetDirect TargetType = "direct"
	TargetGroup  TargetType = "group"
)
