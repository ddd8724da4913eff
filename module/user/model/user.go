package model

// UserRef 身份服务拥有的用户记录在本服务的缓存快照。
// 只保留鉴权与受众解析需要的字段，另加渲染用的展示字段。
type UserRef struct {
	ID         string   `bson:"_id" json:"id"`
	FullName   string   `bson:"full_name" json:"fullName"` // 展示
	Picture    string   `bson:"picture" json:"picture"`    // 展示
	Department string   `bson:"department" json:"department"`
	Roles      []string `bson:"roles" json:"roles"`
	IsActive   bool     `bson:"is_active" json:"isActive"`
}

// HasRole 任一角色命中
func (u *UserRef) HasRole(roles ...string) bool {
	for _, want := range roles {
		for _, r := range u.Roles {
			if r == want {
				return true
			}
		}
	}
	return false
}
