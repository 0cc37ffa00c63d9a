package handler

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

type CommandKind string

const (
	CmdSign         CommandKind = "SIGN"
	CmdSignAll      CommandKind = "SIGN_ALL"
	CmdAutoSignOn   CommandKind = "AUTOSIGN_ON"
	CmdAutoSignOff  CommandKind = "AUTOSIGN_OFF"
	CmdBind         CommandKind = "BIND"
	CmdLogin        CommandKind = "LOGIN"
	CmdUnbind       CommandKind = "UNBIND"
	CmdSwitch       CommandKind = "SWITCH"
	CmdListUIDs     CommandKind = "UIDS"
	CmdCard         CommandKind = "CARD"
	CmdDaily        CommandKind = "DAILY"
	CmdBuild        CommandKind = "BUILD"
	CmdAnn          CommandKind = "ANN"
	CmdAnnSubscribe CommandKind = "ANN_SUBSCRIBE"
	CmdAnnUnsub     CommandKind = "ANN_UNSUBSCRIBE"
	CmdGachaFetch   CommandKind = "GACHA_FETCH"
	CmdGachaSummary CommandKind = "GACHA_SUMMARY"
	CmdGachaExport  CommandKind = "GACHA_EXPORT"
	CmdGachaImport  CommandKind = "GACHA_IMPORT"
	CmdGachaDelete  CommandKind = "GACHA_DELETE"
	CmdStatus       CommandKind = "STATUS"
	CmdHelp         CommandKind = "HELP"
)

type Command struct {
	Kind CommandKind
	Arg  string
}

type commandWord struct {
	word    string
	kind    CommandKind
	takeArg bool
}

var commandPrefixes = []string{"end", "zmd"}

var commandWords = buildCommandWords([]struct {
	kind    CommandKind
	takeArg bool
	words   []string
}{
	{CmdSign, false, []string{"签到", "sign"}},
	{CmdSignAll, false, []string{"全部签到", "sign all"}},
	{CmdAutoSignOn, false, []string{"开启自动签到", "自动签到", "autosign on"}},
	{CmdAutoSignOff, false, []string{"关闭自动签到", "停止自动签到", "autosign off"}},
	{CmdBind, true, []string{"绑定", "bind"}},
	{CmdLogin, false, []string{"登录", "登陆", "登入", "登龙", "login", "dl"}},
	{CmdUnbind, true, []string{"删除绑定", "解绑", "删除", "unbind"}},
	{CmdSwitch, true, []string{"切换", "switch"}},
	{CmdListUIDs, false, []string{"查看", "uids"}},
	{CmdCard, true, []string{"卡片", "kp", "card"}},
	{CmdDaily, false, []string{"每日", "日常", "理智", "体力", "mr", "daily"}},
	{CmdBuild, false, []string{"地区建设", "基建", "建设", "jj", "build"}},
	{CmdAnn, true, []string{"公告", "ann"}},
	{CmdAnnSubscribe, false, []string{"订阅公告", "ann sub"}},
	{CmdAnnUnsub, false, []string{"取消订阅公告", "取消公告", "退订公告", "ann unsub"}},
	{CmdGachaFetch, true, []string{"导入抽卡记录", "导入抽卡", "更新抽卡记录", "更新抽卡", "gacha"}},
	{CmdGachaSummary, false, []string{"抽卡记录", "ckjl", "gacha summary"}},
	{CmdGachaExport, false, []string{"导出抽卡记录", "dcckjl", "gacha export"}},
	{CmdGachaImport, true, []string{"gacha import"}},
	{CmdGachaDelete, false, []string{"删除抽卡记录", "scckjl", "gacha delete"}},
	{CmdStatus, false, []string{"签到状态", "status"}},
	{CmdHelp, false, []string{"帮助", "help", "bz"}},
})

// buildCommandWords flattens the table longest word first so that
// "删除抽卡记录" wins over "删除".
func buildCommandWords(table []struct {
	kind    CommandKind
	takeArg bool
	words   []string
}) []commandWord {
	var out []commandWord
	for _, row := range table {
		for _, w := range row.words {
			out = append(out, commandWord{word: w, kind: row.kind, takeArg: row.takeArg})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].word) > len(out[j].word)
	})
	return out
}

// parseCommand recognises a plugin command behind an "end"/"zmd" prefix.
// allowBare also accepts the command word alone. It returns nil for text
// that is not a command.
func parseCommand(text string, allowBare bool) *Command {
	s := strings.TrimLeft(strings.TrimSpace(text), "/#")
	prefixed := false
	for _, p := range commandPrefixes {
		if hasPrefixFold(s, p) {
			s = strings.TrimSpace(s[len(p):])
			prefixed = true
			break
		}
	}
	if !prefixed && !allowBare {
		return nil
	}

	for _, cw := range commandWords {
		if !hasPrefixFold(s, cw.word) {
			continue
		}
		rest := s[len(cw.word):]
		if !wordBoundary(cw.word, rest) {
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest != "" && !cw.takeArg {
			continue
		}
		return &Command{Kind: cw.kind, Arg: rest}
	}
	return nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// wordBoundary rejects "signal" for "sign"; CJK words need no separator.
func wordBoundary(word, rest string) bool {
	if rest == "" {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(word)
	if last >= utf8.RuneSelf {
		return true
	}
	next, _ := utf8.DecodeRuneInString(rest)
	return !(next < utf8.RuneSelf && (unicode.IsLetter(next) || unicode.IsDigit(next)))
}
