package bus

import "testing"

func TestJobsStatusSubject(t *testing.T) {
	if got, want := JobsStatusSubject("job-123"), "jobs.status.job-123"; got != want {
		t.Errorf("JobsStatusSubject() = %q, want %q", got, want)
	}
}

func TestExtHeartbeatSubject(t *testing.T) {
	if got, want := ExtHeartbeatSubject("ext-abc"), "extensions.ext-abc.heartbeat"; got != want {
		t.Errorf("ExtHeartbeatSubject() = %q, want %q", got, want)
	}
}

func TestTaskResultSubject(t *testing.T) {
	if got, want := TaskResultSubject("task-9"), "tasks.result.task-9"; got != want {
		t.Errorf("TaskResultSubject() = %q, want %q", got, want)
	}
}

func TestMessageAckNakNilSafe(t *testing.T) {
	m := &Message{Subject: "x", Data: []byte("y")}
	if err := m.Ack(); err != nil {
		t.Errorf("Ack() on bare Message = %v, want nil", err)
	}
	if err := m.Nak(); err != nil {
		t.Errorf("Nak() on bare Message = %v, want nil", err)
	}
}
