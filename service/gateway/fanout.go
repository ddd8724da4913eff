package gateway

type fanoutJob struct {
	conns   []*Conn
	payload []byte
}

// Fanout 广播工作池：把"遍历连接写队列"从调用方摘出去，
// 慢客户端丢帧不阻塞其它人。
type Fanout struct {
	jobs chan fanoutJob
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range f.jobs {
				for _, c := range job.conns {
					c.Push(job.payload)
				}
			}
		}()
	}
	return f
}

func (f *Fanout) Broadcast(conns []*Conn, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	f.jobs <- fanoutJob{conns: conns, payload: payload}
}

func (f *Fanout) Close() { close(f.jobs) }
