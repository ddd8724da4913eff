package backplane

// 逻辑频道：每个实例启动时对同一组频道各订阅一次
const (
	ChannelChat     = "rt:chan:chat"
	ChannelNotify   = "rt:chan:notifications"
	ChannelSocial   = "rt:chan:social"
	ChannelAdmin    = "rt:chan:admin"
	ChannelPresence = "rt:chan:presence"
)

func Channels() []string {
	return []string{ChannelChat, ChannelNotify, ChannelSocial, ChannelAdmin, ChannelPresence}
}
