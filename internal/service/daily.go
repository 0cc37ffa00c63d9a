package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// staminaUrgentWithin flags a refill that is close enough to plan around.
const staminaUrgentWithin = 4 * time.Hour

// staminaRecovery describes when stamina is full again. urgent is set when it
// already is, or will be within staminaUrgentWithin.
func (c *cardDetail) staminaRecovery(now time.Time, loc *time.Location) (label string, urgent bool) {
	d := c.Detail
	cur, _ := strconv.Atoi(d.Dungeon.CurStamina)
	limit, _ := strconv.Atoi(d.Dungeon.MaxStamina)
	if limit > 0 && cur >= limit {
		return "已回满", true
	}

	full, _ := strconv.ParseInt(d.Dungeon.MaxTs, 10, 64)
	if full <= 0 {
		return "未在恢复", false
	}
	if ts, _ := strconv.ParseInt(d.CurrentTs, 10, 64); ts > 0 {
		now = time.Unix(ts, 0)
	}
	at := time.Unix(full, 0).In(loc)
	now = now.In(loc)

	left := at.Sub(now)
	if left <= 0 {
		return "已回满", true
	}

	today := now.Format(time.DateOnly)
	switch at.Format(time.DateOnly) {
	case today:
		label = "今天 " + at.Format("15:04")
	case now.AddDate(0, 0, 1).Format(time.DateOnly):
		label = "明天 " + at.Format("15:04")
	default:
		label = at.Format("01.02 15:04")
	}
	return label + " 回满", left < staminaUrgentWithin
}

func formatDaily(card *cardDetail, now time.Time, loc *time.Location) string {
	d := card.Detail
	recovery, urgent := card.staminaRecovery(now, loc)
	if urgent {
		recovery = "⚠️ " + recovery
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s 每日信息\n", gameTitle)
	fmt.Fprintf(&b, "%s (UID %s)\n", d.Base.Name, d.Base.RoleID)
	fmt.Fprintf(&b, "理智 %s/%s | %s\n", d.Dungeon.CurStamina, d.Dungeon.MaxStamina, recovery)
	fmt.Fprintf(&b, "活跃度 %d/%d\n", d.DailyMission.DailyActivation, d.DailyMission.MaxDailyActivation)
	fmt.Fprintf(&b, "通行证 %d/%d", d.BpSystem.CurLevel, d.BpSystem.MaxLevel)
	return b.String()
}
