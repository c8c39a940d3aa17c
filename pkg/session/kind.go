package session

import "context"

// InterviewKind selects the conversation script. Returning-user and
// book-completion interviews carry caller-supplied context text that the
// instruction source folds into the system instructions.
type InterviewKind struct {
	name    string
	context string
}

// Onboarding is the first-run preference interview.
func Onboarding() InterviewKind {
	return InterviewKind{name: "onboarding"}
}

// ReturningUser is a check-in interview; context summarizes what is
// already known about the user.
func ReturningUser(context string) InterviewKind {
	return InterviewKind{name: "returning_user", context: context}
}

// BookCompletion is a post-read feedback interview; context describes the
// finished book.
func BookCompletion(context string) InterviewKind {
	return InterviewKind{name: "book_completion", context: context}
}

// Name returns the kind identifier.
func (k InterviewKind) Name() string { return k.name }

// Context returns the caller-supplied context text, if any.
func (k InterviewKind) Context() string { return k.context }

func (k InterviewKind) String() string { return k.name }

// InstructionSource renders system instruction text for an interview
// kind. The engine treats the text as opaque.
type InstructionSource interface {
	Instructions(ctx context.Context, kind InterviewKind) (string, error)
}

// InstructionFunc adapts a function to InstructionSource.
type InstructionFunc func(ctx context.Context, kind InterviewKind) (string, error)

// Instructions implements InstructionSource.
func (f InstructionFunc) Instructions(ctx context.Context, kind InterviewKind) (string, error) {
	return f(ctx, kind)
}

// StaticInstructions returns an InstructionSource serving fixed text for
// every kind.
func StaticInstructions(text string) InstructionSource {
	return InstructionFunc(func(context.Context, InterviewKind) (string, error) {
		return text, nil
	})
}

// PermissionChecker asks the platform for microphone access. A nil
// checker is treated as already granted.
type PermissionChecker interface {
	RequestMicrophone(ctx context.Context) (bool, error)
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context) (bool, error)

// RequestMicrophone implements PermissionChecker.
func (f PermissionFunc) RequestMicrophone(ctx context.Context) (bool, error) {
	return f(ctx)
}
