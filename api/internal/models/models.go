package models // 模型包

import ( // 依赖导入
	"sort" // 角色排序
	"time" // 时间类型
)

const ( // 具有业务含义的角色
	RoleJailed = "Jailed" // 关押中
	RoleParty  = "Party"  // 党员
)

const ( // 汉语水平范围
	MinProficiencyLevel = 0 // 最低等级
	MaxProficiencyLevel = 6 // 最高等级
)

type Profile struct { // 成员档案投影
	MemberID         uint64      // 成员 ID
	DisplayName      string      // 显示名称
	Handle           string      // 平台用户名
	Credit           int64       // 社会信用分
	Currency         int64       // 货币余额
	Roles            []string    // 角色列表 (保持有序)
	ProficiencyLevel *int        // 汉语水平 (可空)
	CreatedAt        time.Time   // 创建时间
	LastSeenAt       time.Time   // 最后活跃时间
	LastPosition     LogPosition // 最后应用的日志位置
}

func (p Profile) HasRole(role string) bool { // 是否拥有角色
	i := sort.SearchStrings(p.Roles, role)
	return i < len(p.Roles) && p.Roles[i] == role
}

func (p *Profile) AddRole(role string) bool { // 添加角色, 已存在时返回 false
	if p.HasRole(role) {
		return false
	}
	roles := make([]string, 0, len(p.Roles)+1)
	roles = append(roles, p.Roles...)
	roles = append(roles, role)
	sort.Strings(roles)
	p.Roles = roles
	return true
}

func (p *Profile) RemoveRole(role string) bool { // 移除角色, 不存在时返回 false
	if !p.HasRole(role) {
		return false
	}
	roles := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		if r != role {
			roles = append(roles, r)
		}
	}
	p.Roles = roles
	return true
}

func (p Profile) Clone() Profile { // 深拷贝
	out := p
	out.Roles = append([]string(nil), p.Roles...)
	if p.ProficiencyLevel != nil {
		level := *p.ProficiencyLevel
		out.ProficiencyLevel = &level
	}
	return out
}

func SortRoles(roles []string) []string { // 排序并去重
	out := append([]string(nil), roles...)
	sort.Strings(out)
	dedup := out[:0]
	for i, r := range out {
		if i == 0 || r != out[i-1] {
			dedup = append(dedup, r)
		}
	}
	return dedup
}
