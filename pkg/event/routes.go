package event

// Audience is the role-based recipient class a routed event type fans out to.
type Audience string

const (
	AudienceSchoolWide   Audience = "school_wide"
	AudienceTeachersOnly Audience = "teachers_only"
	AudienceStudentsOnly Audience = "students_only"
	AudienceSpecificUser Audience = "specific_user"
)

// routes is the static routing table. It is configuration, consulted at
// dispatch time and never mutated. An event type absent from the table is
// dropped by the dispatcher: a new type must be routed explicitly before it
// can fan out.
var routes = map[string]Audience{
	// School-wide domain changes every connected party should see.
	TypeOf(EntityLesson, ActionCreate): AudienceSchoolWide,
	TypeOf(EntityLesson, ActionUpdate): AudienceSchoolWide,
	TypeOf(EntityLesson, ActionDelete): AudienceSchoolWide,
	TypeOf(EntityLesson, ActionStart):  AudienceSchoolWide,
	TypeOf(EntityLesson, ActionEnd):    AudienceSchoolWide,

	TypeOf(EntitySong, ActionCreate): AudienceSchoolWide,
	TypeOf(EntitySong, ActionUpdate): AudienceSchoolWide,
	TypeOf(EntitySong, ActionDelete): AudienceSchoolWide,

	TypeOf(EntitySchedule, ActionCreate):     AudienceSchoolWide,
	TypeOf(EntitySchedule, ActionUpdate):     AudienceSchoolWide,
	TypeOf(EntitySchedule, ActionDelete):     AudienceSchoolWide,
	TypeOf(EntitySchedule, ActionSchedule):   AudienceSchoolWide,
	TypeOf(EntitySchedule, ActionReschedule): AudienceSchoolWide,
	TypeOf(EntitySchedule, ActionCancel):     AudienceSchoolWide,

	TypeOf(EntityRecurringSchedule, ActionCreate): AudienceSchoolWide,
	TypeOf(EntityRecurringSchedule, ActionUpdate): AudienceSchoolWide,
	TypeOf(EntityRecurringSchedule, ActionDelete): AudienceSchoolWide,

	TypeOf(EntityAssignment, ActionCreate): AudienceSchoolWide,
	TypeOf(EntityAssignment, ActionUpdate): AudienceSchoolWide,
	TypeOf(EntityAssignment, ActionDelete): AudienceSchoolWide,

	TypeOf(EntityUser, ActionOnline):  AudienceSchoolWide,
	TypeOf(EntityUser, ActionOffline): AudienceSchoolWide,
	TypeOf(EntityUser, ActionUpdate):  AudienceSchoolWide,

	// Staff-facing activity: student roster changes, student presence,
	// and live session/practice telemetry.
	TypeOf(EntityStudent, ActionCreate):  AudienceTeachersOnly,
	TypeOf(EntityStudent, ActionUpdate):  AudienceTeachersOnly,
	TypeOf(EntityStudent, ActionDelete):  AudienceTeachersOnly,
	TypeOf(EntityStudent, ActionOnline):  AudienceTeachersOnly,
	TypeOf(EntityStudent, ActionOffline): AudienceTeachersOnly,

	TypeOf(EntitySession, ActionStart):    AudienceTeachersOnly,
	TypeOf(EntitySession, ActionEnd):      AudienceTeachersOnly,
	TypeOf(EntitySession, ActionProgress): AudienceTeachersOnly,

	TypeOf(EntityPractice, ActionStart):    AudienceTeachersOnly,
	TypeOf(EntityPractice, ActionEnd):      AudienceTeachersOnly,
	TypeOf(EntityPractice, ActionProgress): AudienceTeachersOnly,
	TypeOf(EntityPractice, ActionComplete): AudienceTeachersOnly,

	TypeOf(EntityAssignment, ActionProgress): AudienceTeachersOnly,
	TypeOf(EntityAssignment, ActionComplete): AudienceTeachersOnly,

	// Student-facing teacher availability.
	TypeOf(EntityTeacherStatus, ActionUpdate): AudienceStudentsOnly,

	// Direct messages and assignment handoffs target one user; producers
	// carry the target in the payload as targetUserId.
	TypeOf(EntityChat, ActionCreate):     AudienceSpecificUser,
	TypeOf(EntityMessage, ActionSend):    AudienceSpecificUser,
	TypeOf(EntityMessage, ActionReceive): AudienceSpecificUser,
	TypeOf(EntityMessage, ActionRead):    AudienceSpecificUser,
	TypeOf(EntityMessage, ActionReply):   AudienceSpecificUser,

	TypeOf(EntityAssignment, ActionAssign):   AudienceSpecificUser,
	TypeOf(EntityAssignment, ActionUnassign): AudienceSpecificUser,
}

// ResolveAudience looks up the audience for an event type. The second
// return is false for an unrouted type; the dispatcher fails closed.
func ResolveAudience(eventType string) (Audience, bool) {
	audience, ok := routes[eventType]
	return audience, ok
}

// RoutedTypes returns every event type in the routing table. Intended for
// diagnostics and tests; the returned slice is a copy.
func RoutedTypes() []string {
	types := make([]string, 0, len(routes))
	for eventType := range routes {
		types = append(types, eventType)
	}
	return types
}

// clientEmit is the explicit allow-list of event types each role may
// originate over its own connection. Everything absent here is
// producer-only and must come from a server-side collaborator.
var clientEmit = map[string]map[string]bool{
	RoleStudent: {
		TypeOf(EntitySession, ActionStart):     true,
		TypeOf(EntitySession, ActionEnd):       true,
		TypeOf(EntitySession, ActionProgress):  true,
		TypeOf(EntityPractice, ActionStart):    true,
		TypeOf(EntityPractice, ActionEnd):      true,
		TypeOf(EntityPractice, ActionProgress): true,
		TypeOf(EntityPractice, ActionComplete): true,
		TypeOf(EntityChat, ActionCreate):       true,
		TypeOf(EntityMessage, ActionSend):      true,
		TypeOf(EntityMessage, ActionRead):      true,
		TypeOf(EntityMessage, ActionReply):     true,
	},
	RoleTeacher: {
		TypeOf(EntityLesson, ActionStart):         true,
		TypeOf(EntityLesson, ActionEnd):           true,
		TypeOf(EntityTeacherStatus, ActionUpdate): true,
		TypeOf(EntityChat, ActionCreate):          true,
		TypeOf(EntityMessage, ActionSend):         true,
		TypeOf(EntityMessage, ActionRead):         true,
		TypeOf(EntityMessage, ActionReply):        true,
	},
}

// CanClientEmit reports whether a role may originate the given event type
// from its own connection. School and platform owners share the teacher
// allow-list.
func CanClientEmit(role, eventType string) bool {
	if IsStaffRole(role) {
		role = RoleTeacher
	}
	allowed, ok := clientEmit[role]
	if !ok {
		return false
	}
	return allowed[eventType]
}
