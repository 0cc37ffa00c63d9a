package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type buildSettlement struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Level          int    `json:"level"`
	RemainMoney    string `json:"remainMoney"`
	OfficerCharIDs string `json:"officerCharIds"`
}

type buildCollection struct {
	LevelID       string `json:"levelId"`
	PuzzleCount   int    `json:"puzzleCount"`
	TrchestCount  int    `json:"trchestCount"`
	PieceCount    int    `json:"pieceCount"`
	BlackboxCount int    `json:"blackboxCount"`
}

type buildDomain struct {
	DomainID    string            `json:"domainId"`
	Name        string            `json:"name"`
	Level       int               `json:"level"`
	Settlements []buildSettlement `json:"settlements"`
	Collections []buildCollection `json:"collections"`
}

type buildRoom struct {
	ID    string `json:"id"`
	Type  int    `json:"type"`
	Level int    `json:"level"`
	Chars []struct {
		CharID           string      `json:"charId"`
		PhysicalStrength looseNumber `json:"physicalStrength"`
	} `json:"chars"`
}

// looseNumber decodes a JSON number or numeric string; anything else is zero.
type looseNumber float64

func (n *looseNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = looseNumber(v)
	return nil
}

func formatBuild(card *cardDetail) string {
	d := card.Detail
	names := make(map[string]string, len(d.Chars))
	for _, c := range d.Chars {
		if c.ID != "" && c.CharData.Name != "" {
			names[c.ID] = c.CharData.Name
		}
	}
	charName := func(id string) string {
		if name, ok := names[id]; ok {
			return name
		}
		if len(id) > 8 {
			return id[:8]
		}
		return id
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s 地区建设\n", gameTitle)
	fmt.Fprintf(&b, "%s (UID %s) · 等级 %d | 世界等级 %d", d.Base.Name, d.Base.RoleID, d.Base.Level, d.Base.WorldLevel)

	domains := append([]buildDomain(nil), d.Domain...)
	sort.SliceStable(domains, func(i, j int) bool { return domains[i].DomainID < domains[j].DomainID })
	for _, dom := range domains {
		name := dom.Name
		if name == "" {
			name = dom.DomainID
		}
		fmt.Fprintf(&b, "\n\n【%s】等级 %d", name, dom.Level)
		for _, st := range dom.Settlements {
			fmt.Fprintf(&b, "\n  • %s Lv.%d · 资金 %s", st.Name, st.Level, st.RemainMoney)
			var officers []string
			for _, id := range strings.Split(st.OfficerCharIDs, ",") {
				if id = strings.TrimSpace(id); id != "" {
					officers = append(officers, charName(id))
				}
			}
			if len(officers) > 0 {
				fmt.Fprintf(&b, " · 驻员 %s", strings.Join(officers, "、"))
			}
		}
		var puzzle, chest, piece, blackbox int
		for _, c := range dom.Collections {
			puzzle += c.PuzzleCount
			chest += c.TrchestCount
			piece += c.PieceCount
			blackbox += c.BlackboxCount
		}
		fmt.Fprintf(&b, "\n  收集: 谜题 %d | 宝箱 %d | 碎片 %d | 黑匣 %d", puzzle, chest, piece, blackbox)
	}

	if len(d.SpaceShip.Rooms) > 0 {
		b.WriteString("\n\n【帝江号】")
		for _, room := range d.SpaceShip.Rooms {
			fmt.Fprintf(&b, "\n  • 舱室 %s Lv.%d", room.ID, room.Level)
			var chars []string
			for _, c := range room.Chars {
				if c.CharID == "" {
					continue
				}
				chars = append(chars, fmt.Sprintf("%s(体力 %.1f)", charName(c.CharID), float64(c.PhysicalStrength)))
			}
			if len(chars) > 0 {
				fmt.Fprintf(&b, " · %s", strings.Join(chars, "、"))
			}
		}
	}
	return b.String()
}
