package domain

import "testing"

// TestTargetTypeKey 验证分区键派生的格式与确定性
func TestTargetTypeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		targetType TargetType
		id         string
		want       string
	}{
		{name: "user", targetType: TargetUser, id: "u1", want: "user#u1"},
		{name: "client", targetType: TargetClient, id: "t1", want: "client#t1"},
		{name: "channel", targetType: TargetChannel, id: "ch9", want: "channel#ch9"},
		{name: "broadcast ignores id", targetType: TargetBroadcast, id: "", want: "broadcast"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.targetType.Key(tt.id)
			if got != tt.want {
				t.Errorf("Key(%q) = %q, want %q", tt.id, got, tt.want)
			}
			// 纯函数：重复调用结果一致
			if again := tt.targetType.Key(tt.id); again != got {
				t.Errorf("Key(%q) is not deterministic: %q != %q", tt.id, again, got)
			}
		})
	}
}

// TestTargetTypeValid 验证目标类型合法性判断
func TestTargetTypeValid(t *testing.T) {
	t.Parallel()

	for _, valid := range []TargetType{TargetUser, TargetClient, TargetBroadcast, TargetChannel} {
		if !valid.Valid() {
			t.Errorf("TargetType(%q).Valid() = false, want true", valid)
		}
	}
	if TargetType("tenant").Valid() {
		t.Error(`TargetType("tenant").Valid() = true, want false`)
	}
}

// TestTargetTypeRequiresFanout 验证扇出路由判定：仅群组目标需要扇出
func TestTargetTypeRequiresFanout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		targetType TargetType
		want       bool
	}{
		{TargetUser, false},
		{TargetClient, true},
		{TargetBroadcast, true},
		{TargetChannel, true},
	}

	for _, tt := range tests {
		if got := tt.targetType.RequiresFanout(); got != tt.want {
			t.Errorf("TargetType(%q).RequiresFanout() = %v, want %v", tt.targetType, got, tt.want)
		}
	}
}

// TestRecordKindAvailabilityDetailType 验证出站事件类型的后缀规则
func TestRecordKindAvailabilityDetailType(t *testing.T) {
	t.Parallel()

	if got := KindNotification.AvailabilityDetailType(); got != "notification.available" {
		t.Errorf("AvailabilityDetailType() = %q, want %q", got, "notification.available")
	}
	if got := KindMessage.AvailabilityDetailType(); got != "message.available" {
		t.Errorf("AvailabilityDetailType() = %q, want %q", got, "message.available")
	}
}
